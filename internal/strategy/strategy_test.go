package strategy

import (
	"errors"
	"testing"
	"time"
)

type fakeLedger struct {
	watermark *time.Time
	err       error
}

func (f *fakeLedger) LastSuccess(source, entity string) (*time.Time, error) {
	return f.watermark, f.err
}

func TestDecide(t *testing.T) {
	mark := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	override := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		ledger    *fakeLedger
		forceFull bool
		since     *time.Time
		wantMode  Mode
		wantMark  *time.Time
	}{
		{
			name:     "no history means full",
			ledger:   &fakeLedger{},
			wantMode: ModeFull,
		},
		{
			name:     "history means delta from last success",
			ledger:   &fakeLedger{watermark: &mark},
			wantMode: ModeDelta,
			wantMark: &mark,
		},
		{
			name:      "force full ignores history",
			ledger:    &fakeLedger{watermark: &mark},
			forceFull: true,
			wantMode:  ModeFull,
		},
		{
			name:     "since override wins over history",
			ledger:   &fakeLedger{watermark: &mark},
			since:    &override,
			wantMode: ModeDelta,
			wantMark: &override,
		},
		{
			name:      "since override wins over force full",
			ledger:    &fakeLedger{},
			forceFull: true,
			since:     &override,
			wantMode:  ModeDelta,
			wantMark:  &override,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Decide(tt.ledger, "crm", "contacts", tt.forceFull, tt.since)
			if err != nil {
				t.Fatalf("Decide() error: %v", err)
			}
			if plan.Mode != tt.wantMode {
				t.Errorf("mode = %v, want %v", plan.Mode, tt.wantMode)
			}
			switch {
			case tt.wantMark == nil && plan.Watermark != nil:
				t.Errorf("watermark = %v, want nil", plan.Watermark)
			case tt.wantMark != nil && plan.Watermark == nil:
				t.Errorf("watermark = nil, want %v", tt.wantMark)
			case tt.wantMark != nil && !plan.Watermark.Equal(*tt.wantMark):
				t.Errorf("watermark = %v, want %v", plan.Watermark, tt.wantMark)
			}
		})
	}
}

func TestDecideLedgerError(t *testing.T) {
	boom := errors.New("db locked")
	_, err := Decide(&fakeLedger{err: boom}, "crm", "contacts", false, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Decide() error = %v, want wrapped %v", err, boom)
	}
}

func TestDecideOverrideCopiesTimestamp(t *testing.T) {
	override := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	plan, err := Decide(&fakeLedger{}, "crm", "contacts", false, &override)
	if err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	override = override.Add(time.Hour)
	if !plan.Watermark.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("watermark aliased the caller's timestamp")
	}
}
