// Package config provides configuration management for the NVR recording
// and retention core: YAML load/save, atomic writes, fsnotify hot-reload,
// and at-rest encryption of stream credentials.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document (spec.md §6 "Config knobs").
type Config struct {
	Version   string          `yaml:"version"`
	System    SystemConfig    `yaml:"system"`
	Retention RetentionConfig `yaml:"retention"`
	Streams   []StreamConfig  `yaml:"streams"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Name        string         `yaml:"name"`
	Timezone    string         `yaml:"timezone"`
	StoragePath string         `yaml:"storage_path"`
	Database    DatabaseConfig `yaml:"database"`
	Logging     LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// RetentionConfig holds the global retention/quota GC defaults (spec.md
// §4.5/§6). Per-stream RetentionDays/DetectionRetentionDays in StreamConfig
// override RegularDays/DetectionDays when non-zero; a per-stream
// MaxStorageMB is a separate per-stream quota, enforced before and in
// addition to the global MaxStorageMB.
type RetentionConfig struct {
	RegularDays      int           `yaml:"regular_days"`
	DetectionDays    int           `yaml:"detection_days"`
	MaxStorageMB     int64         `yaml:"max_storage_size_mb"` // global quota, 0 = unlimited
	TickInterval     time.Duration `yaml:"tick_interval"`
	OrphanInterval   time.Duration `yaml:"orphan_interval"`
	BatchSize        int           `yaml:"batch_size"`
}

// StreamConfig holds configuration for a single camera stream (spec.md §6:
// "Per stream: url, enabled, record, priority, segment, retention_days
// (override), detection_retention_days (override), max_storage_mb, codec
// hint, fps, width, height").
type StreamConfig struct {
	Name     string `yaml:"name" json:"name"`
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
	AuthType string `yaml:"auth_type,omitempty" json:"auth_type,omitempty"` // basic, digest, none

	Enabled bool `yaml:"enabled" json:"enabled"`
	Record  bool `yaml:"record" json:"record"`

	// Priority is one of 1 (low), 5 (normal), 10 (high); see worker.Priority.
	Priority int `yaml:"priority" json:"priority"`

	SegmentDurationSeconds int `yaml:"segment_duration_seconds,omitempty" json:"segment_duration_seconds,omitempty"`
	BufferSizeKB           int `yaml:"buffer_size_kb,omitempty" json:"buffer_size_kb,omitempty"`

	RetentionDays          int   `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
	DetectionRetentionDays int   `yaml:"detection_retention_days,omitempty" json:"detection_retention_days,omitempty"`
	MaxStorageMB           int64 `yaml:"max_storage_mb,omitempty" json:"max_storage_mb,omitempty"`

	Codec  string `yaml:"codec,omitempty" json:"codec,omitempty"`
	FPS    int    `yaml:"fps,omitempty" json:"fps,omitempty"`
	Width  int    `yaml:"width,omitempty" json:"width,omitempty"`
	Height int    `yaml:"height,omitempty" json:"height,omitempty"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = deriveEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version:   c.Version,
		System:    c.System,
		Retention: c.Retention,
		Streams:   c.Streams,
		path:      c.path,
		encKey:    c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# NVR recording core configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// renameio gives the same fsync+rename atomicity internal/export's
	// concatCopy already relies on for finished recordings, rather than a
	// bare os.WriteFile+os.Rename pair that skips the fsync.
	pf, err := renameio.NewPendingFile(c.path, renameio.WithPermissions(0600))
	if err != nil {
		return fmt.Errorf("failed to open pending config file: %w", err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return pf.CloseAtomicallyReplace()
}

// Watch starts watching for configuration file changes and reloads on
// write, invoking any registered OnChange callbacks.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// A coalescing timer rather than an in-loop time.Sleep: a burst of
	// writes (editors commonly truncate-then-write, firing two Write
	// events per save) resets the same timer instead of queuing up one
	// blocked reload per event, and the watcher loop keeps draining
	// watcher.Events the whole time instead of stalling inside Sleep.
	var debounce *time.Timer
	go func() {
		defer watcher.Close()
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}
				if debounce == nil {
					debounce = time.AfterFunc(100*time.Millisecond, c.reload)
				} else {
					debounce.Reset(100 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("config watch error")
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback invoked whenever the config is reloaded.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		log.Error().Err(err).Msg("failed to reload config")
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Retention = newCfg.Retention
	c.Streams = newCfg.Streams
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	log.Info().Msg("configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// GetStream returns a stream's config by name.
func (c *Config) GetStream(name string) *StreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Streams {
		if c.Streams[i].Name == name {
			return &c.Streams[i]
		}
	}
	return nil
}

// UpsertStream adds or updates a stream's config and persists it.
func (c *Config) UpsertStream(s StreamConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Streams {
		if c.Streams[i].Name == s.Name {
			c.Streams[i] = s
			return c.saveUnlocked()
		}
	}

	c.Streams = append(c.Streams, s)
	return c.saveUnlocked()
}

// RemoveStream removes a stream's config by name and persists it.
func (c *Config) RemoveStream(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Streams {
		if c.Streams[i].Name == name {
			c.Streams = append(c.Streams[:i], c.Streams[i+1:]...)
			return c.saveUnlocked()
		}
	}

	return fmt.Errorf("stream not found: %s", name)
}

// SetPath sets the path used by Save (used by callers building a Config
// programmatically rather than via Load).
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path.
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// AllStreams returns a snapshot copy of the configured streams.
func (c *Config) AllStreams() []StreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StreamConfig, len(c.Streams))
	copy(out, c.Streams)
	return out
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.StoragePath == "" {
		c.System.StoragePath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "console"
	}
	if c.Retention.TickInterval == 0 {
		c.Retention.TickInterval = 300 * time.Second
	}
	if c.Retention.OrphanInterval == 0 {
		c.Retention.OrphanInterval = time.Hour
	}
	if c.Retention.BatchSize == 0 {
		c.Retention.BatchSize = 500
	}

	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Priority == 0 {
			s.Priority = 5
		}
		if s.SegmentDurationSeconds == 0 {
			s.SegmentDurationSeconds = 60
		}
		if s.BufferSizeKB == 0 {
			s.BufferSizeKB = 1024
		}
	}
}

// errNoEncryptionKey is returned when a stream credential needs encrypting
// or decrypting but NVR_ENCRYPTION_KEY is not set. There is no fixed
// fallback key: a cleartext config with no passphrase configured must fail
// loudly rather than silently round-trip credentials through a key every
// checkout of this repo shares.
var errNoEncryptionKey = errors.New("config: NVR_ENCRYPTION_KEY is not set, cannot encrypt/decrypt stream password")

// encryptSecrets encrypts sensitive fields before a Save.
func (c *Config) encryptSecrets() error {
	for i := range c.Streams {
		if c.Streams[i].Password != "" && !strings.HasPrefix(c.Streams[i].Password, "encrypted:") {
			if c.encKey == nil {
				return errNoEncryptionKey
			}
			encrypted, err := encrypt(c.encKey, c.Streams[i].Password)
			if err != nil {
				return err
			}
			c.Streams[i].Password = "encrypted:" + encrypted
		}
	}
	return nil
}

// decryptSecrets decrypts sensitive fields after a Load.
func (c *Config) decryptSecrets() error {
	for i := range c.Streams {
		if strings.HasPrefix(c.Streams[i].Password, "encrypted:") {
			if c.encKey == nil {
				return errNoEncryptionKey
			}
			encrypted := strings.TrimPrefix(c.Streams[i].Password, "encrypted:")
			decrypted, err := decrypt(c.encKey, encrypted)
			if err != nil {
				return err
			}
			c.Streams[i].Password = decrypted
		}
	}
	return nil
}

// deriveEncryptionKey turns NVR_ENCRYPTION_KEY (a passphrase of any length,
// not a pre-formatted 32-byte key) into an AES-256 key via SHA-256, so
// operators set a normal passphrase instead of generating and
// base64-encoding raw key material. Returns nil when the variable is unset
// or empty, which encryptSecrets/decryptSecrets treat as "no key
// configured" and refuse to silently handle credentials in the clear.
func deriveEncryptionKey() []byte {
	passphrase := os.Getenv("NVR_ENCRYPTION_KEY")
	if passphrase == "" {
		return nil
	}
	key := sha256.Sum256([]byte(passphrase))
	return key[:]
}

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
