package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/maxkimambo/taskflow/internal/automation"
	"github.com/maxkimambo/taskflow/internal/config"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/notify"
	"github.com/maxkimambo/taskflow/internal/storage"
	"github.com/maxkimambo/taskflow/internal/storage/memory"
	"github.com/maxkimambo/taskflow/internal/storage/postgres"
	"github.com/maxkimambo/taskflow/internal/storage/sqlite"
	"github.com/maxkimambo/taskflow/internal/utils"
	"github.com/spf13/cobra"
)

const (
	outputTable = "table"
	outputJSON  = "json"

	// settleTimeout bounds how long a command waits for its cascade
	settleTimeout = 30 * time.Second
)

// app is one wired engine: config, storage and the automation module
type app struct {
	cfg    *config.Config
	store  storage.Store
	module *automation.Module
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Op.Warnf("Using the in-memory store; state is lost when the process exits")
		return memory.New(cfg.Policy()), nil
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.Storage.DSN, cfg.Policy())
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Storage.DSN, cfg.Policy())
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var n notify.Notifier = notify.LogNotifier{}
	if cfg.Notifications.Dedupe {
		n = notify.NewDeduper(n, cfg.Notifications.DedupeCapacity)
	}
	return n
}

// newApp loads configuration, opens storage and starts the automation module
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}

	bus := events.NewBus(events.Options{MaxListeners: cfg.Events.MaxListeners})
	module := automation.New(store, bus, automation.Options{
		MaxParallel: cfg.Dependencies.MaxParallelEnables,
		Notifier:    newNotifier(cfg),
	})
	module.Start(ctx)

	logger.Op.WithFields(map[string]interface{}{
		"environment": string(cfg.Environment),
		"driver":      cfg.Storage.Driver,
		"policy":      string(cfg.Policy()),
	}).Debug("Engine ready")
	return &app{cfg: cfg, store: store, module: module}, nil
}

// settle waits for every queued delivery to finish
func (a *app) settle(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if err := a.module.Wait(waitCtx); err != nil {
		return fmt.Errorf("cascade did not settle: %w", err)
	}
	return nil
}

// Close drains the bus and closes storage
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := a.module.Close(ctx); err != nil {
		logger.Op.WithError(err).Warn("Event bus did not drain before shutdown")
	}
	if err := a.store.Close(); err != nil {
		logger.Op.WithError(err).Warn("Failed to close store")
	}
}

func wantJSON() bool {
	return output == outputJSON
}

func validateOutput(cmd *cobra.Command, args []string) error {
	if output != outputTable && output != outputJSON {
		return fmt.Errorf("invalid --output %q: must be %s or %s", output, outputTable, outputJSON)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// eventTable renders events one per row
func eventTable(evs []events.Event) *utils.TableFormatter {
	table := utils.NewTableFormatter("TIME", "EVENT", "FAMILY", "SUMMARY").WithMaxCellWidth(72)
	for _, ev := range evs {
		meta := ev.Meta()
		table.AddRow(
			meta.Timestamp.Format("15:04:05.000"),
			string(ev.Kind()),
			meta.FamilyID,
			events.Summary(ev),
		)
	}
	return table
}

type eventJSON struct {
	Kind  events.Kind  `json:"kind"`
	Event events.Event `json:"event"`
}

func eventsJSON(evs []events.Event) []eventJSON {
	out := make([]eventJSON, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventJSON{Kind: ev.Kind(), Event: ev})
	}
	return out
}
