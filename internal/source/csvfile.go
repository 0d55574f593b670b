package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/inlet-sync/inlet/internal/schema"
	"github.com/inlet-sync/inlet/internal/strategy"
	"github.com/inlet-sync/inlet/internal/syncerrs"
)

func init() {
	Register("csvfile", newCSVAdapter)
}

// csvAdapter ingests file exports: one CSV per entity under a configured
// directory, first row is the header. Values stay strings; the schema
// transform coerces them. For delta fetches the entity's modified field is
// compared against the watermark, since a file export cannot be queried.
type csvAdapter struct {
	source string
	dir    string
}

func newCSVAdapter(settings map[string]string, sourceKey string) (Adapter, error) {
	dir := settings["path"]
	if dir == "" {
		return nil, fmt.Errorf("source %s: path is required", sourceKey)
	}
	return &csvAdapter{source: sourceKey, dir: dir}, nil
}

func (a *csvAdapter) Source() string { return a.source }

func (a *csvAdapter) Open(ctx context.Context, entity *schema.EntitySpec, plan strategy.Plan) (RecordStream, error) {
	path := filepath.Join(a.dir, entity.Name+".csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &syncerrs.AuthError{Source: a.source, Err: fmt.Errorf("export file %s does not exist", path)}
		}
		return nil, fmt.Errorf("opening export %s: %w", path, err)
	}

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}

	var watermark *time.Time
	if plan.Mode == strategy.ModeDelta && entity.ModifiedField != "" {
		watermark = plan.Watermark
	}

	return &csvStream{
		file:          f,
		reader:        r,
		header:        header,
		modifiedField: entity.ModifiedField,
		watermark:     watermark,
	}, nil
}

type csvStream struct {
	file          *os.File
	reader        *csv.Reader
	header        []string
	modifiedField string
	watermark     *time.Time
}

func (s *csvStream) Next(ctx context.Context) (schema.RawRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := s.reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row: %w", err)
		}

		rec := make(schema.RawRecord, len(s.header))
		for i, col := range s.header {
			if i < len(row) && row[i] != "" {
				rec[col] = row[i]
			}
		}

		if s.skipUnchanged(rec) {
			continue
		}
		return rec, nil
	}
}

// skipUnchanged filters rows at or before the watermark. Rows whose
// modified value cannot be parsed are kept: the upsert sink is idempotent,
// so over-delivery is safe and under-delivery is not.
func (s *csvStream) skipUnchanged(rec schema.RawRecord) bool {
	if s.watermark == nil || s.modifiedField == "" {
		return false
	}
	raw, ok := rec[s.modifiedField].(string)
	if !ok {
		return false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return !ts.After(*s.watermark)
		}
	}
	return false
}

func (s *csvStream) Close() error {
	return s.file.Close()
}
