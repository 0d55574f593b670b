package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/inlet-sync/inlet/internal/breaker"
	"github.com/inlet-sync/inlet/internal/config"
	"github.com/inlet-sync/inlet/internal/exitcodes"
	"github.com/inlet-sync/inlet/internal/ledger"
	"github.com/inlet-sync/inlet/internal/locker"
	"github.com/inlet-sync/inlet/internal/logging"
	"github.com/inlet-sync/inlet/internal/notify"
	"github.com/inlet-sync/inlet/internal/orchestrator"
	"github.com/inlet-sync/inlet/internal/persist"
	"github.com/inlet-sync/inlet/internal/pipeline"
	"github.com/inlet-sync/inlet/internal/progress"
	"github.com/inlet-sync/inlet/internal/scheduler"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "inlet",
		Usage:   "Pull-based data synchronization between external sources and a central store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Redirect logs to stderr when JSON output is enabled
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Trigger one sync run for a source entity",
				Action: runSync,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Aliases:  []string{"s"},
						Required: true,
						Usage:    "Source key from configuration",
					},
					&cli.StringFlag{
						Name:     "entity",
						Aliases:  []string{"e"},
						Required: true,
						Usage:    "Entity name from the source's configuration",
					},
					&cli.StringFlag{
						Name:  "mode",
						Value: "auto",
						Usage: "Fetch mode: auto, full, or delta",
					},
					&cli.TimestampFlag{
						Name:   "since",
						Layout: time.RFC3339,
						Usage:  "Delta watermark override (RFC 3339)",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Records per pipeline batch",
					},
					&cli.Int64Flag{
						Name:  "max-records",
						Usage: "Cap total records fetched (0 = unlimited)",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Fetch, transform, and validate without persisting",
					},
					&cli.BoolFlag{
						Name:  "force-overwrite",
						Usage: "Write every row even when values are unchanged",
					},
					&cli.DurationFlag{
						Name:  "lock-ttl",
						Usage: "Run lock safety TTL (default from config)",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "Show run history from the ledger",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "source",
						Aliases: []string{"s"},
						Usage:   "Filter by source key",
					},
					&cli.StringFlag{
						Name:    "entity",
						Aliases: []string{"e"},
						Usage:   "Filter by entity name",
					},
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status (running, success, failed, skipped_overlap)",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Value:   20,
						Usage:   "Maximum rows to show",
					},
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show full details for one run ID",
					},
				},
			},
			{
				Name:  "schedule",
				Usage: "Manage recurring sync schedules",
				Subcommands: []*cli.Command{
					{
						Name:   "add",
						Usage:  "Create or replace a schedule",
						Action: addSchedule,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "id",
								Usage: "Schedule ID (default: generated UUID)",
							},
							&cli.StringFlag{
								Name:  "label",
								Usage: "Human-readable label",
							},
							&cli.StringFlag{
								Name:     "source",
								Aliases:  []string{"s"},
								Required: true,
								Usage:    "Source key from configuration",
							},
							&cli.StringFlag{
								Name:     "entity",
								Aliases:  []string{"e"},
								Required: true,
								Usage:    "Entity name",
							},
							&cli.StringFlag{
								Name:  "mode",
								Value: "delta",
								Usage: "Fetch mode: full or delta",
							},
							&cli.DurationFlag{
								Name:  "every",
								Usage: "Interval recurrence (e.g. 15m, 4h)",
							},
							&cli.StringFlag{
								Name:  "minutes",
								Usage: "Calendar minutes, comma-separated (0-59)",
							},
							&cli.StringFlag{
								Name:  "hours",
								Usage: "Calendar hours, comma-separated (0-23)",
							},
							&cli.StringFlag{
								Name:  "days-of-month",
								Usage: "Calendar days of month, comma-separated (1-31)",
							},
							&cli.StringFlag{
								Name:  "months",
								Usage: "Calendar months, comma-separated (1-12)",
							},
							&cli.StringFlag{
								Name:  "days-of-week",
								Usage: "Calendar days of week, comma-separated (0-6, 0=Sunday)",
							},
							&cli.TimestampFlag{
								Name:   "valid-from",
								Layout: time.RFC3339,
								Usage:  "Do not fire before this time",
							},
							&cli.TimestampFlag{
								Name:   "valid-until",
								Layout: time.RFC3339,
								Usage:  "Do not fire after this time",
							},
							&cli.IntFlag{
								Name:  "batch-size",
								Usage: "Records per pipeline batch for this schedule",
							},
							&cli.Int64Flag{
								Name:  "max-records",
								Usage: "Cap total records per run (0 = unlimited)",
							},
							&cli.BoolFlag{
								Name:  "force-overwrite",
								Usage: "Write every row even when values are unchanged",
							},
							&cli.DurationFlag{
								Name:  "lock-ttl",
								Usage: "Run lock safety TTL for this schedule",
							},
							&cli.BoolFlag{
								Name:  "disabled",
								Usage: "Create the schedule disabled",
							},
						},
					},
					{
						Name:   "list",
						Usage:  "List schedules",
						Action: listSchedules,
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "enabled",
								Usage: "Show only enabled schedules",
							},
						},
					},
					{
						Name:      "enable",
						Usage:     "Enable a schedule",
						ArgsUsage: "<schedule-id>",
						Action:    func(c *cli.Context) error { return setScheduleEnabled(c, true) },
					},
					{
						Name:      "disable",
						Usage:     "Disable a schedule",
						ArgsUsage: "<schedule-id>",
						Action:    func(c *cli.Context) error { return setScheduleEnabled(c, false) },
					},
					{
						Name:      "rm",
						Usage:     "Delete a schedule",
						ArgsUsage: "<schedule-id>",
						Action:    deleteSchedule,
					},
				},
			},
			{
				Name:   "serve",
				Usage:  "Run the schedule loop until interrupted",
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

// engine bundles everything a run needs. The store pool is nil for
// commands that never persist.
type engine struct {
	cfg   *config.Config
	store *ledger.Store
	pool  *persist.Pool
	orch  *orchestrator.Orchestrator
}

func (e *engine) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

func buildEngine(ctx context.Context, c *cli.Context, dryRun bool, reporter progress.Reporter) (*engine, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	store, err := ledger.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	locks, err := locker.NewSQLStore(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}

	// Dry runs never touch the store, so skip the pool and its ping.
	var pool *persist.Pool
	var persister pipeline.Persister
	if !dryRun {
		pool, err = persist.NewPool(ctx, &cfg.Store)
		if err != nil {
			store.Close()
			return nil, err
		}
		persister = persist.NewUpserter(pool, breaker.New("store", breaker.Config{}))
	}

	var notifier notify.Provider = notify.Noop{}
	if cfg.Notify.Enabled && cfg.Notify.WebhookURL != "" {
		notifier = notify.NewSlack(notify.SlackConfig{
			WebhookURL: cfg.Notify.WebhookURL,
			Channel:    cfg.Notify.Channel,
			Username:   cfg.Notify.Username,
			Enabled:    true,
		})
	}

	pipe := pipeline.New(persister, reporter)
	orch := orchestrator.New(cfg, store, locks, pipe, notifier)

	return &engine{cfg: cfg, store: store, pool: pool, orch: orch}, nil
}

// openLedger is the lighter path for commands that only read or edit
// ledger state.
func openLedger(c *cli.Context) (*config.Config, *ledger.Store, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Finishing in-flight batch...")
		cancel()
	}()

	return ctx, cancel
}

func runSync(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	var reporter progress.Reporter = progress.NewBar(c.String("source"), c.String("entity"))
	if c.Bool("output-json") {
		reporter = progress.NewJSON(os.Stderr, 2*time.Second)
	}
	defer reporter.Close()

	eng, err := buildEngine(ctx, c, c.Bool("dry-run"), reporter)
	if err != nil {
		return err
	}
	defer eng.Close()

	req := orchestrator.Request{
		Source: c.String("source"),
		Entity: c.String("entity"),
		DryRun: c.Bool("dry-run"),
		Options: ledger.RunOptions{
			BatchSize:      c.Int("batch-size"),
			MaxRecords:     c.Int64("max-records"),
			ForceOverwrite: c.Bool("force-overwrite"),
			LockTTL:        c.Duration("lock-ttl"),
		},
	}
	switch mode := c.String("mode"); mode {
	case "auto":
	case "full":
		req.ForceFull = true
	case "delta":
		// Strategy already prefers delta when history exists; nothing to force.
	default:
		return fmt.Errorf("invalid mode %q (want auto, full, or delta)", mode)
	}
	if ts := c.Timestamp("since"); ts != nil && !ts.IsZero() {
		req.Since = ts
	}

	run, runErr := eng.orch.Execute(ctx, req)

	if eng.pool != nil {
		st := eng.pool.Stats()
		logging.Debug("Store pool after run: %d/%d conns open, %d in use, %d acquires (%d waited)",
			st.TotalConns, st.MaxConns, st.AcquiredConns, st.AcquireCount, st.EmptyAcquireCount)
	}

	if run != nil && c.Bool("output-json") {
		if err := printRunJSON(run); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	if run != nil && !c.Bool("output-json") {
		printRunSummary(run)
	}

	if runErr != nil {
		if orchestrator.Cancelled(runErr) {
			return exitcodes.NewExitError(runErr, exitcodes.Cancelled)
		}
		return runErr
	}
	return nil
}

func printRunSummary(run *ledger.RunRecord) {
	if run.Status == ledger.StatusSkippedOverlap {
		fmt.Printf("Run %s skipped: overlapping run in progress\n", run.ID)
		return
	}
	fmt.Printf("Run %s %s: %d fetched, %d created, %d updated, %d failed\n",
		run.ID, run.Status, run.Counts.Fetched, run.Counts.Created, run.Counts.Updated, run.Counts.Failed)
	for _, d := range run.Diagnostics {
		if d.Field != "" {
			fmt.Printf("  record %s field %s: %s\n", d.RecordID, d.Field, d.Message)
		} else {
			fmt.Printf("  record %s: %s\n", d.RecordID, d.Message)
		}
	}
}

func printRunJSON(run *ledger.RunRecord) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func showHistory(c *cli.Context) error {
	_, store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID := c.String("run"); runID != "" {
		run, err := store.GetRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run not found: %s", runID)
		}
		if c.Bool("output-json") {
			return printRunJSON(run)
		}
		printRunSummary(run)
		if run.Error != "" {
			fmt.Printf("  error: %s\n", run.Error)
		}
		return nil
	}

	runs, err := store.Runs(ledger.RunQuery{
		Source: c.String("source"),
		Entity: c.String("entity"),
		Status: ledger.Status(c.String("status")),
		Limit:  c.Int("limit"),
	})
	if err != nil {
		return err
	}

	if c.Bool("output-json") {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	fmt.Printf("%-36s %-12s %-12s %-6s %-16s %-20s %s\n",
		"ID", "Source", "Entity", "Mode", "Status", "Started", "Counts")
	for _, r := range runs {
		fmt.Printf("%-36s %-12s %-12s %-6s %-16s %-20s %d/%d/%d/%d\n",
			r.ID, r.Source, r.Entity, r.Mode, r.Status,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Counts.Fetched, r.Counts.Created, r.Counts.Updated, r.Counts.Failed)
	}
	return nil
}

func addSchedule(c *cli.Context) error {
	cfg, store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	// Schedules reference config entries; reject dangling ones here
	// instead of at first fire.
	src := cfg.Source(c.String("source"))
	if src == nil {
		return fmt.Errorf("unknown source %q", c.String("source"))
	}
	if src.Entity(c.String("entity")) == nil {
		return fmt.Errorf("source %q has no entity %q", c.String("source"), c.String("entity"))
	}

	rec := ledger.Recurrence{Every: c.Duration("every")}
	if hasCalendarFlags(c) {
		cal := &ledger.Calendar{}
		for _, f := range []struct {
			flag string
			dst  *[]int
		}{
			{"minutes", &cal.Minutes},
			{"hours", &cal.Hours},
			{"days-of-month", &cal.DaysOfMonth},
			{"months", &cal.Months},
			{"days-of-week", &cal.DaysOfWeek},
		} {
			vals, err := parseIntList(c.String(f.flag))
			if err != nil {
				return fmt.Errorf("invalid --%s: %w", f.flag, err)
			}
			*f.dst = vals
		}
		rec.Calendar = cal
	}

	id := c.String("id")
	if id == "" {
		id = uuid.New().String()
	}

	def := &ledger.ScheduleDefinition{
		ID:         id,
		Label:      c.String("label"),
		Source:     c.String("source"),
		Entity:     c.String("entity"),
		Mode:       c.String("mode"),
		Recurrence: rec,
		ValidFrom:  c.Timestamp("valid-from"),
		ValidUntil: c.Timestamp("valid-until"),
		Enabled:    !c.Bool("disabled"),
		Options: ledger.RunOptions{
			BatchSize:      c.Int("batch-size"),
			MaxRecords:     c.Int64("max-records"),
			ForceOverwrite: c.Bool("force-overwrite"),
			LockTTL:        c.Duration("lock-ttl"),
		},
	}
	if err := store.SaveSchedule(def); err != nil {
		return err
	}
	fmt.Printf("Saved schedule %s\n", def.ID)
	return nil
}

func hasCalendarFlags(c *cli.Context) bool {
	for _, name := range []string{"minutes", "hours", "days-of-month", "months", "days-of-week"} {
		if c.String(name) != "" {
			return true
		}
	}
	return false
}

func parseIntList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vals := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", p)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func listSchedules(c *cli.Context) error {
	_, store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	defs, err := store.Schedules(c.Bool("enabled"))
	if err != nil {
		return err
	}

	if c.Bool("output-json") {
		data, err := json.MarshalIndent(defs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(defs) == 0 {
		fmt.Println("No schedules found")
		return nil
	}
	fmt.Printf("%-36s %-20s %-12s %-12s %-6s %-8s %s\n",
		"ID", "Label", "Source", "Entity", "Mode", "Enabled", "Recurrence")
	for _, d := range defs {
		fmt.Printf("%-36s %-20s %-12s %-12s %-6s %-8t %s\n",
			d.ID, d.Label, d.Source, d.Entity, d.Mode, d.Enabled, describeRecurrence(d.Recurrence))
	}
	return nil
}

func describeRecurrence(r ledger.Recurrence) string {
	if r.Every > 0 {
		return fmt.Sprintf("every %s", r.Every)
	}
	if r.Calendar != nil {
		parts := []string{}
		add := func(name string, vals []int) {
			if len(vals) > 0 {
				strs := make([]string, len(vals))
				for i, v := range vals {
					strs[i] = strconv.Itoa(v)
				}
				parts = append(parts, name+"="+strings.Join(strs, ","))
			}
		}
		add("min", r.Calendar.Minutes)
		add("hour", r.Calendar.Hours)
		add("dom", r.Calendar.DaysOfMonth)
		add("mon", r.Calendar.Months)
		add("dow", r.Calendar.DaysOfWeek)
		if len(parts) == 0 {
			return "every minute"
		}
		return strings.Join(parts, " ")
	}
	return "none"
}

func setScheduleEnabled(c *cli.Context, enabled bool) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one schedule ID")
	}
	_, store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id := c.Args().First()
	if err := store.SetScheduleEnabled(id, enabled); err != nil {
		return err
	}
	if enabled {
		fmt.Printf("Enabled schedule %s\n", id)
	} else {
		fmt.Printf("Disabled schedule %s\n", id)
	}
	return nil
}

func deleteSchedule(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one schedule ID")
	}
	_, store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id := c.Args().First()
	if err := store.DeleteSchedule(id); err != nil {
		return err
	}
	fmt.Printf("Deleted schedule %s\n", id)
	return nil
}

func serve(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	eng, err := buildEngine(ctx, c, false, progress.Noop{})
	if err != nil {
		return err
	}
	defer eng.Close()

	sched := scheduler.New(eng.store, eng.orch, eng.cfg.Sync.Workers)
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
