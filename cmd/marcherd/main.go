// Command marcherd is the core's daemon entrypoint: it loads
// configuration, wires the task tracker, queue, health manager, and
// offer matcher into a single scheduler coordinator, and runs it until
// a fatal driver error or signal. Per spec.md §1, the REST surface and
// the resource-master/key-value-store transports are out of scope;
// DriverFactory and StoreFactory are the seams a real deployment links
// in (the group-edit/deployment-submission path lives behind the
// out-of-scope REST layer, which calls into internal/deploy directly).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/marcher/marcher/internal/config"
	"github.com/marcher/marcher/internal/driver"
	"github.com/marcher/marcher/internal/health"
	"github.com/marcher/marcher/internal/offer"
	"github.com/marcher/marcher/internal/queue"
	"github.com/marcher/marcher/internal/repo"
	"github.com/marcher/marcher/internal/scheduler"
	"github.com/marcher/marcher/internal/store"
	"github.com/marcher/marcher/internal/telemetry"
	"github.com/marcher/marcher/internal/tracker"
	"github.com/marcher/marcher/pkg/clock"
)

// DriverFactory constructs the resource-master transport. Left nil in
// this core; a concrete deployment sets it from an adapter package
// before calling run (spec.md §1 places the master transport out of
// scope for this repository).
var DriverFactory func(cfg *config.Config, log hclog.Logger) (driver.Driver, error)

// StoreFactory constructs the key-value store transport, same caveat
// as DriverFactory.
var StoreFactory func(cfg *config.Config, log hclog.Logger) (store.Store, error)

func main() {
	configPath := flag.String("config", "marcherd.hcl", "path to the agent configuration file")
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{Name: "marcherd", Level: hclog.Info})

	if err := run(*configPath, log); err != nil {
		log.Error("marcherd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, log hclog.Logger) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("marcherd: reading config: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return fmt.Errorf("marcherd: %w", err)
	}
	log.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	if _, err := telemetry.Init("marcherd"); err != nil {
		return fmt.Errorf("marcherd: initializing telemetry: %w", err)
	}

	if DriverFactory == nil || StoreFactory == nil {
		return fmt.Errorf("marcherd: no driver/store transport linked into this build (see DriverFactory/StoreFactory)")
	}
	drv, err := DriverFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("marcherd: constructing driver: %w", err)
	}
	kv, err := StoreFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("marcherd: constructing store: %w", err)
	}

	groups := repo.NewGroupRepo()
	trk, err := tracker.New(nil, clock.Real)
	if err != nil {
		return fmt.Errorf("marcherd: constructing tracker: %w", err)
	}
	q := queue.New(clock.Real)
	hm := health.New(log, clock.Real, drv)
	fwIDs := store.NewFrameworkIDStore(kv)

	matcher := offer.New(log, q, groups.LookupApp, trk.Get, newTaskID).
		WithDefaultRoles(cfg.DefaultAcceptedResourceRoles)

	coord := scheduler.New(log, trk, q, matcher, hm, drv, fwIDs,
		groups.CurrentVersionAndBackoff, trk.FindAppByTask, groups.AppIDs,
		cfg.TaskLaunchTimeout(), cfg.ReconcileInterval(), clock.Real)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	go coord.Run(ctx)

	select {
	case err := <-coord.Done():
		return err
	case <-ctx.Done():
		<-coord.Done()
		return nil
	}
}

func newTaskID() string {
	return uuid.NewString()
}
