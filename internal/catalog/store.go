package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvrcore/nvrcore/internal/database"
)

// ListFilter selects recordings for List. A nil time bound is unrestricted.
type ListFilter struct {
	StreamName   string
	StartTime    *time.Time
	EndTime      *time.Time
	HasDetection *bool
	OrderBy      string
	OrderDesc    bool
	Limit        int
	Offset       int
}

// Store is the Catalog Store (C1): the sole writer of recording and
// detection rows, grounded on the teacher's SQLiteRepository but reshaped to
// spec.md §4.1's Recording/Detection model. Mutating calls serialize behind
// writeMu (spec §4.1/§5's "single global writer lock"); reads bypass it and
// rely on sqlite's WAL-mode MVCC.
type Store struct {
	db     *database.DB
	logger zerolog.Logger

	writeMu sync.Mutex
}

// New wraps an opened database.DB as a Catalog Store.
func New(db *database.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "catalog").Logger()}
}

// AddRecording inserts a row with is_complete=false and returns its assigned
// id, or 0 on failure (spec.md §4.1 sentinel-return contract).
func (s *Store) AddRecording(ctx context.Context, rec *Recording) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var endTime any
	if rec.EndTime != nil {
		endTime = rec.EndTime.Unix()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (
			stream_name, file_path, start_time, end_time, size_bytes,
			width, height, fps, codec, is_complete, trigger_type,
			protected, retention_override_days
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		truncate(rec.StreamName, maxStreamNameLen),
		truncate(rec.FilePath, maxFilePathLen),
		rec.StartTime.Unix(),
		endTime,
		rec.SizeBytes,
		rec.Width,
		rec.Height,
		rec.FPS,
		truncate(rec.Codec, maxCodecLen),
		false,
		string(rec.TriggerType),
		rec.Protected,
		rec.RetentionOverrideDays,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("stream", rec.StreamName).Msg("add_recording failed")
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateRecording finalizes a row: end_time, size_bytes, is_complete=true.
// This is the commit barrier other components rely on (spec §5).
func (s *Store) UpdateRecording(ctx context.Context, id int64, endTime time.Time, sizeBytes int64, isComplete bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET end_time = ?, size_bytes = ?, is_complete = ?
		WHERE id = ?
	`, endTime.Unix(), sizeBytes, isComplete, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("catalog: recording %d not found", id)
	}
	return nil
}

// DeleteRecording removes a row. Used by segment abort, GC, and explicit
// user delete.
func (s *Store) DeleteRecording(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	return err
}

// SetProtected toggles the protection flag (spec §3 invariant 4).
func (s *Store) SetProtected(ctx context.Context, id int64, protected bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE recordings SET protected = ? WHERE id = ?`, protected, id)
	return err
}

// SetRetentionOverride sets or clears the per-recording retention window.
// A nil days clears the override (use the stream default).
func (s *Store) SetRetentionOverride(ctx context.Context, id int64, days *int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE recordings SET retention_override_days = ? WHERE id = ?`, days, id)
	return err
}

const recordingColumns = `id, stream_name, file_path, start_time, end_time, size_bytes,
	width, height, fps, codec, is_complete, trigger_type, protected, retention_override_days`

func scanRecording(row interface{ Scan(...any) error }) (Recording, error) {
	var rec Recording
	var startTime int64
	var endTime sql.NullInt64
	var triggerType string
	var overrideDays sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.StreamName, &rec.FilePath, &startTime, &endTime, &rec.SizeBytes,
		&rec.Width, &rec.Height, &rec.FPS, &rec.Codec, &rec.IsComplete, &triggerType,
		&rec.Protected, &overrideDays,
	)
	if err != nil {
		return Recording{}, err
	}

	rec.StartTime = time.Unix(startTime, 0)
	if endTime.Valid {
		t := time.Unix(endTime.Int64, 0)
		rec.EndTime = &t
	}
	rec.TriggerType = TriggerType(triggerType)
	if overrideDays.Valid {
		d := int(overrideDays.Int64)
		rec.RetentionOverrideDays = &d
	}
	return rec, nil
}

// GetByID returns a recording by id.
func (s *Store) GetByID(ctx context.Context, id int64) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByPath returns a recording by its unique file path, used during orphan
// reconciliation and crash-recovery promotion.
func (s *Store) GetByPath(ctx context.Context, path string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE file_path = ?`, path)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns rows matching filter along with the total matching count,
// ignoring limit/offset (spec.md §4.1/§8 scenario S6).
func (s *Store) List(ctx context.Context, f ListFilter) ([]Recording, int, error) {
	var conditions []string
	var args []any

	conditions = append(conditions, "is_complete = 1", "end_time IS NOT NULL")

	if f.StreamName != "" {
		conditions = append(conditions, "stream_name = ?")
		args = append(args, f.StreamName)
	}
	if f.StartTime != nil {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		conditions = append(conditions, "end_time <= ?")
		args = append(args, f.EndTime.Unix())
	}
	if f.HasDetection != nil && *f.HasDetection {
		conditions = append(conditions, `(trigger_type = 'detection' OR EXISTS (
			SELECT 1 FROM detections d
			WHERE d.stream_name = recordings.stream_name
			  AND d.timestamp BETWEEN recordings.start_time AND recordings.end_time
		))`)
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recordings "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.OrderBy != "" && !sortableColumns[f.OrderBy] {
		s.logger.Warn().Str("requested_sort", f.OrderBy).Msg("rejecting unknown sort field, using default")
	}
	column, order := resolveSort(f.OrderBy, boolOrder(f.OrderDesc))

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM recordings %s ORDER BY %s %s LIMIT ? OFFSET ?`,
		recordingColumns, where, column, order)
	queryArgs := append(append([]any{}, args...), limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func boolOrder(desc bool) string {
	if desc {
		return "desc"
	}
	return "asc"
}

// RetentionCandidates returns recordings eligible for retention deletion:
// non-detection before detection, oldest-first within each class, skipping
// protected rows and rows whose retention_override_days has not elapsed
// (spec.md §4.5/§8 scenario S3).
func (s *Store) RetentionCandidates(ctx context.Context, stream string, regularDays, detectionDays, max int) ([]Recording, error) {
	now := time.Now().Unix()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordingColumns+` FROM recordings
		WHERE stream_name = ? AND is_complete = 1 AND end_time IS NOT NULL
		  AND protected = 0
		  AND (
			(trigger_type != 'detection' AND ? > 0 AND start_time <= ? - (? * 86400))
			OR
			(trigger_type = 'detection' AND ? > 0 AND start_time <= ? - (? * 86400))
		  )
		  AND (
			retention_override_days IS NULL
			OR start_time <= ? - (retention_override_days * 86400)
		  )
		ORDER BY (trigger_type = 'detection'), start_time ASC
		LIMIT ?
	`, stream, regularDays, now, regularDays, detectionDays, now, detectionDays, now, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QuotaCandidates returns unprotected complete recordings oldest-first, pure
// FIFO ignoring trigger kind (spec.md §4.5's quota pass, scenario S4).
func (s *Store) QuotaCandidates(ctx context.Context, stream string, max int) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordingColumns+` FROM recordings
		WHERE stream_name = ? AND is_complete = 1 AND end_time IS NOT NULL AND protected = 0
		ORDER BY start_time ASC
		LIMIT ?
	`, stream, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OrphanCandidates returns complete rows whose file_path no longer exists on
// disk (spec.md §4.1/§4.5). Filesystem checks are done per-candidate rather
// than via a directory walk, since the catalog already knows every path to
// probe.
func (s *Store) OrphanCandidates(ctx context.Context, max int) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordingColumns+` FROM recordings
		WHERE is_complete = 1
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		if _, statErr := os.Stat(rec.FilePath); os.IsNotExist(statErr) {
			out = append(out, rec)
			if len(out) >= max {
				break
			}
		}
	}
	return out, rows.Err()
}

// IncompleteCandidates returns rows still marked is_complete=0 whose start
// time is older than minAge — old enough that they can no longer belong to
// a session actively being written, so a stale row means the process died
// between the muxer finishing its trailer and UpdateRecording running
// (spec.md §9 Open Question: promote such files rather than losing them).
func (s *Store) IncompleteCandidates(ctx context.Context, minAge time.Duration, max int) ([]Recording, error) {
	cutoff := time.Now().Add(-minAge).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordingColumns+` FROM recordings
		WHERE is_complete = 0 AND start_time <= ?
		ORDER BY id ASC
		LIMIT ?
	`, cutoff, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DistinctDays returns the set of distinct YYYY-MM-DD dates (in the
// configured local zone) with at least one complete recording — the
// Recording-Days index (spec.md §3).
func (s *Store) DistinctDays(ctx context.Context, loc *time.Location) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT start_time FROM recordings
		WHERE is_complete = 1 AND end_time IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var days []string
	for rows.Next() {
		var startTime int64
		if err := rows.Scan(&startTime); err != nil {
			return nil, err
		}
		day := time.Unix(startTime, 0).In(loc).Format("2006-01-02")
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	return days, rows.Err()
}

// AddDetection persists a detection event for later has-detection filtering.
func (s *Store) AddDetection(ctx context.Context, d *Detection) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (stream_name, timestamp, label, confidence, track_id, zone_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.StreamName, d.Timestamp.Unix(), d.Label, d.Confidence, d.TrackID, d.ZoneID)
	return err
}

// HasDetectionInRange reports whether any detection event for stream falls
// within [start,end].
func (s *Store) HasDetectionInRange(ctx context.Context, stream string, start, end time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM detections WHERE stream_name = ? AND timestamp BETWEEN ? AND ?
	`, stream, start.Unix(), end.Unix()).Scan(&count)
	return count > 0, err
}
