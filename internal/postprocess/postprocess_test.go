package postprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumMatchesKnownContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.mp4")
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(path, content, 0644))

	p := New(filepath.Join(dir, "thumbs"), zerolog.Nop())
	sum, err := p.checksum(path)
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
}

func TestProcessWritesChecksumSidecarEvenWhenThumbnailFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not actually an mp4"), 0644))

	p := New(filepath.Join(dir, "thumbs"), zerolog.Nop())
	p.Process(context.Background(), "front-door", path)

	data, err := os.ReadFile(path + ".sha256")
	require.NoError(t, err)
	assert.Len(t, data, 65) // 64 hex chars + newline
}
