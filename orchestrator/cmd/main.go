package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"runtime/pprof"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/scusemua/vm-scheduler/common/configuration"
	"github.com/scusemua/vm-scheduler/common/launcher"
	"github.com/scusemua/vm-scheduler/common/metrics"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling/scheduler"
	"github.com/scusemua/vm-scheduler/common/storage"
	"github.com/scusemua/vm-scheduler/common/types"
	"github.com/scusemua/vm-scheduler/common/utils"
	"github.com/scusemua/vm-scheduler/orchestrator/domain"
)

var (
	options      = domain.SchedulerDaemonOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.PrometheusPort = domain.DefaultPrometheusPort
	options.MinimumPrice = scheduling.DefaultMinimumPrice
	options.InstanceMemoryMB = scheduling.DefaultInstanceMemoryMB
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

func main() {
	defer finalize(false, "Main thread")

	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the VM scheduler with the following options:\n%s\n", options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the VM scheduler for pool \"%s\".", options.PoolID)
	}

	store, err := storage.New(&options.StoreOptions)
	if err != nil {
		globalLogger.Error("Failed to create \"%s\" store: %v", options.StoreOptions.Backend, err)
		os.Exit(1)
	}

	instanceLauncher, err := launcher.New(&options.LauncherOptions)
	if err != nil {
		globalLogger.Error("Failed to create \"%s\" launcher: %v", options.LauncherOptions.Launcher, err)
		os.Exit(1)
	}

	prometheusManager := metrics.NewPrometheusManager(options.PrometheusPort, options.PoolID, nil)
	if err = prometheusManager.InitializeMetrics(); err != nil {
		globalLogger.Error("Failed to initialize Prometheus metrics: %v", err)
		os.Exit(1)
	}

	facade := scheduler.NewBuilder().
		WithLauncher(instanceLauncher).
		WithStore(store).
		WithMetricsProvider(prometheusManager).
		WithOptions(&options.SchedulerOptions).
		Build()

	prometheusManager.SetSnapshotProvider(func() interface{} {
		return facade.Snapshot()
	})

	ctx := context.Background()

	if err = facade.Restore(ctx); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Failed to restore scheduler state: %v"), err)
		os.Exit(1)
	}

	if options.HostsFile != "" {
		if err = registerHosts(ctx, facade, options.HostsFile); err != nil {
			globalLogger.Error(utils.RedStyle.Render("Failed to register hosts from \"%s\": %v"), options.HostsFile, err)
			os.Exit(1)
		}
	}

	if options.CheckInvariants {
		if err = facade.CheckInvariants(); err != nil {
			globalLogger.Error(utils.RedStyle.Render("Scheduler state violates its invariants: %v"), err)
			os.Exit(1)
		}

		globalLogger.Info(utils.GreenStyle.Render("Scheduler state satisfies its invariants."))
	}

	if err = prometheusManager.Start(); err != nil {
		globalLogger.Error("Failed to start Prometheus manager: %v", err)
		os.Exit(1)
	}

	snapshot := facade.Snapshot()
	globalLogger.Info("VM scheduler is ready. Hosts: %d, active bids: %d, clearing price: %s, spot capacity: %d.",
		len(snapshot.Hosts), len(snapshot.Bids), snapshot.Price.String(), snapshot.Capacity)

	<-sig
	globalLogger.Info("Shutting down...")

	if prometheusManager.IsRunning() {
		_ = prometheusManager.Stop()
	}

	if err = store.Close(); err != nil {
		globalLogger.Warn("Failed to close store: %v", err)
	}
}

// registerHosts registers every host listed in the hosts file that the restored state does not already know about.
// Hosts marked as disabled in the file are drained.
func registerHosts(ctx context.Context, facade *scheduler.Facade, path string) error {
	hostsFile, err := configuration.LoadHostsFile(path)
	if err != nil {
		return err
	}

	if hostsFile.PoolID != "" && hostsFile.PoolID != facade.PoolID() {
		globalLogger.Warn("Hosts file \"%s\" describes pool \"%s\", but this scheduler manages pool \"%s\".",
			path, hostsFile.PoolID, facade.PoolID())
	}

	for _, entry := range hostsFile.Entries(facade.PoolID()) {
		active := entry.Active
		entry.Active = true

		_, err = facade.RegisterHost(ctx, entry)
		if errors.Is(err, types.ErrHostExists) {
			globalLogger.Debug("Host %s was restored from the store. Not registering it again.", entry.HostID)
			continue
		} else if err != nil {
			return err
		}

		if active {
			continue
		}

		if _, err = facade.DrainHost(ctx, entry.HostID); err != nil {
			return err
		}
	}

	return nil
}

func finalize(fix bool, identity string) {
	if !fix {
		return
	}

	log.Printf("[WARNING] Finalize called with fix=%v and identity=\"%s\"\n", fix, identity)

	if err := recover(); err != nil {
		globalLogger.Error("Called recover() and retrieved the following error: %v", err)
	}

	globalLogger.Error("Stack trace of CURRENT goroutine:")
	debug.PrintStack()

	globalLogger.Error("Stack traces of ALL active goroutines:")
	err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
	if err != nil {
		globalLogger.Error("Failed to output call stacks of all active goroutines: %v", err)
	}

	sig <- syscall.SIGINT
}
