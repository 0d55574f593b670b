package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Calendar is the cron-like recurrence variant. Empty slices are
// wildcards. When both DaysOfMonth and DaysOfWeek are restricted the
// standard cron OR rule applies in the scheduler's matcher.
type Calendar struct {
	Minutes     []int `json:"minutes,omitempty"`       // 0-59
	Hours       []int `json:"hours,omitempty"`         // 0-23
	DaysOfMonth []int `json:"days_of_month,omitempty"` // 1-31
	Months      []int `json:"months,omitempty"`        // 1-12
	DaysOfWeek  []int `json:"days_of_week,omitempty"`  // 0-6, 0=Sunday
}

// Recurrence is a tagged variant: exactly one of Every (interval) or
// Calendar must be set.
type Recurrence struct {
	Every    time.Duration `json:"-"`
	Calendar *Calendar     `json:"calendar,omitempty"`
}

type recurrenceJSON struct {
	EverySeconds int64     `json:"every_seconds,omitempty"`
	Calendar     *Calendar `json:"calendar,omitempty"`
}

// MarshalJSON encodes the recurrence with the interval in whole seconds.
func (r Recurrence) MarshalJSON() ([]byte, error) {
	return json.Marshal(recurrenceJSON{
		EverySeconds: int64(r.Every / time.Second),
		Calendar:     r.Calendar,
	})
}

// UnmarshalJSON decodes a recurrence stored by MarshalJSON.
func (r *Recurrence) UnmarshalJSON(data []byte) error {
	var rj recurrenceJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	r.Every = time.Duration(rj.EverySeconds) * time.Second
	r.Calendar = rj.Calendar
	return nil
}

// Validate checks that exactly one variant is set and field ranges hold.
func (r *Recurrence) Validate() error {
	if (r.Every > 0) == (r.Calendar != nil) {
		return fmt.Errorf("recurrence must be either an interval or a calendar, not both or neither")
	}
	if r.Every > 0 {
		if r.Every < time.Minute {
			return fmt.Errorf("interval recurrence must be at least one minute, got %s", r.Every)
		}
		return nil
	}
	c := r.Calendar
	checks := []struct {
		name     string
		vals     []int
		min, max int
	}{
		{"minute", c.Minutes, 0, 59},
		{"hour", c.Hours, 0, 23},
		{"day-of-month", c.DaysOfMonth, 1, 31},
		{"month", c.Months, 1, 12},
		{"day-of-week", c.DaysOfWeek, 0, 6},
	}
	for _, ch := range checks {
		for _, v := range ch.vals {
			if v < ch.min || v > ch.max {
				return fmt.Errorf("calendar %s value %d out of range [%d, %d]", ch.name, v, ch.min, ch.max)
			}
		}
	}
	return nil
}

// RunOptions is the typed option bag a schedule passes through to its
// runs. Validated at schedule-save time, not at run time.
type RunOptions struct {
	// BatchSize is the number of records per pipeline batch (0 = default).
	BatchSize int `json:"batch_size,omitempty"`
	// MaxRecords caps the total records fetched in one run (0 = unlimited).
	MaxRecords int64 `json:"max_records,omitempty"`
	// ForceOverwrite bypasses the skip-if-unchanged optimization at the
	// persistence layer.
	ForceOverwrite bool `json:"force_overwrite,omitempty"`
	// LockTTL bounds how long a crashed worker can wedge the run lock.
	// Configurable per schedule because full syncs of large sources can
	// legitimately exceed the one-hour default.
	LockTTL time.Duration `json:"-"`
}

type runOptionsJSON struct {
	BatchSize      int   `json:"batch_size,omitempty"`
	MaxRecords     int64 `json:"max_records,omitempty"`
	ForceOverwrite bool  `json:"force_overwrite,omitempty"`
	LockTTLSeconds int64 `json:"lock_ttl_seconds,omitempty"`
}

// MarshalJSON stores the lock TTL in whole seconds.
func (o RunOptions) MarshalJSON() ([]byte, error) {
	return json.Marshal(runOptionsJSON{
		BatchSize:      o.BatchSize,
		MaxRecords:     o.MaxRecords,
		ForceOverwrite: o.ForceOverwrite,
		LockTTLSeconds: int64(o.LockTTL / time.Second),
	})
}

// UnmarshalJSON decodes options stored by MarshalJSON.
func (o *RunOptions) UnmarshalJSON(data []byte) error {
	var oj runOptionsJSON
	if err := json.Unmarshal(data, &oj); err != nil {
		return err
	}
	o.BatchSize = oj.BatchSize
	o.MaxRecords = oj.MaxRecords
	o.ForceOverwrite = oj.ForceOverwrite
	o.LockTTL = time.Duration(oj.LockTTLSeconds) * time.Second
	return nil
}

// Validate rejects option values that would fail at run time.
func (o *RunOptions) Validate() error {
	if o.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}
	if o.MaxRecords < 0 {
		return fmt.Errorf("max_records must not be negative")
	}
	if o.LockTTL < 0 {
		return fmt.Errorf("lock_ttl must not be negative")
	}
	return nil
}

// ScheduleDefinition is a recurring trigger for one (source, entity, mode).
// The enabled column doubles as the scheduling registration: the scheduler
// derives its trigger set from enabled rows inside one read, so the
// definition and its registration cannot diverge.
type ScheduleDefinition struct {
	ID         string
	Label      string
	Source     string
	Entity     string
	Mode       string // "full" or "delta"
	Recurrence Recurrence
	ValidFrom  *time.Time
	ValidUntil *time.Time
	Enabled    bool
	Options    RunOptions
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the definition before it is saved.
func (d *ScheduleDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if d.Source == "" || d.Entity == "" {
		return fmt.Errorf("schedule %s: source and entity are required", d.ID)
	}
	if d.Mode != "full" && d.Mode != "delta" {
		return fmt.Errorf("schedule %s: mode must be full or delta, got %q", d.ID, d.Mode)
	}
	if err := d.Recurrence.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", d.ID, err)
	}
	if err := d.Options.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", d.ID, err)
	}
	if d.ValidFrom != nil && d.ValidUntil != nil && !d.ValidUntil.After(*d.ValidFrom) {
		return fmt.Errorf("schedule %s: valid_until must be after valid_from", d.ID)
	}
	return nil
}

// SaveSchedule inserts or replaces a schedule definition.
func (s *Store) SaveSchedule(d *ScheduleDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	recJSON, err := json.Marshal(d.Recurrence)
	if err != nil {
		return fmt.Errorf("encoding recurrence: %w", err)
	}
	optJSON, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO schedules (id, label, source, entity, mode, recurrence,
			valid_from, valid_until, enabled, options, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			source = excluded.source,
			entity = excluded.entity,
			mode = excluded.mode,
			recurrence = excluded.recurrence,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			enabled = excluded.enabled,
			options = excluded.options,
			updated_at = excluded.updated_at
	`, d.ID, d.Label, d.Source, d.Entity, d.Mode, string(recJSON),
		nullableTime(d.ValidFrom), nullableTime(d.ValidUntil),
		boolToInt(d.Enabled), string(optJSON), now, now)
	if err != nil {
		return fmt.Errorf("saving schedule %s: %w", d.ID, err)
	}
	return nil
}

// SetScheduleEnabled flips the registration without deleting history.
func (s *Store) SetScheduleEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`
		UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("updating schedule %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("schedule %s does not exist", id)
	}
	return nil
}

// DeleteSchedule removes a definition. Run history is untouched.
func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}

// GetSchedule returns one definition by id, or nil.
func (s *Store) GetSchedule(id string) (*ScheduleDefinition, error) {
	row := s.db.QueryRow(`
		SELECT id, label, source, entity, mode, recurrence, valid_from, valid_until,
		       enabled, options, created_at, updated_at
		FROM schedules WHERE id = ?
	`, id)
	d, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Schedules returns definitions, optionally restricted to enabled ones.
func (s *Store) Schedules(enabledOnly bool) ([]ScheduleDefinition, error) {
	sqlStr := `
		SELECT id, label, source, entity, mode, recurrence, valid_from, valid_until,
		       enabled, options, created_at, updated_at
		FROM schedules`
	if enabledOnly {
		sqlStr += " WHERE enabled = 1"
	}
	sqlStr += " ORDER BY id"

	rows, err := s.db.Query(sqlStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleDefinition
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (ScheduleDefinition, error) {
	var d ScheduleDefinition
	var recJSON, optJSON, createdStr, updatedStr string
	var validFrom, validUntil sql.NullString
	var enabled int
	err := row.Scan(&d.ID, &d.Label, &d.Source, &d.Entity, &d.Mode, &recJSON,
		&validFrom, &validUntil, &enabled, &optJSON, &createdStr, &updatedStr)
	if err != nil {
		return d, err
	}
	d.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(recJSON), &d.Recurrence); err != nil {
		return d, fmt.Errorf("decoding recurrence for schedule %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(optJSON), &d.Options); err != nil {
		return d, fmt.Errorf("decoding options for schedule %s: %w", d.ID, err)
	}
	d.ValidFrom = parseNullableTime(validFrom)
	d.ValidUntil = parseNullableTime(validUntil)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return d, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
