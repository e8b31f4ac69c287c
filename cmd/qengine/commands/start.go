package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dcqueue/qengine/internal/config"
	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/internal/logger"
	"github.com/dcqueue/qengine/pkg/autoprio"
	"github.com/dcqueue/qengine/pkg/metrics"
	"github.com/dcqueue/qengine/pkg/persist"
	"github.com/dcqueue/qengine/pkg/qindex"
	"github.com/dcqueue/qengine/pkg/search"
	"github.com/dcqueue/qengine/pkg/statusapi"
	"github.com/dcqueue/qengine/pkg/ubn"
	"github.com/dcqueue/qengine/pkg/useridx"

	// Registers the Prometheus implementation of pkg/metrics's
	// IndexMetrics interface via its package init().
	_ "github.com/dcqueue/qengine/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the queue and transfer engine",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if configFile == "" && !config.DefaultConfigExists() {
		return fmt.Errorf("no configuration file found at %s; run 'qengine init' first", config.DefaultConfigPath())
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	var reg = registryOrNil(cfg.Metrics.Enabled)

	core := corectx.New(corectx.Collaborators{
		HashStore:     loggingHashStore{},
		SearchService: loggingSearchService{},
		Dialer:        loggingDialer{},
		UDP:           loggingUDPSender{},
		Disk:          osDiskProbe{},
	})

	n, err := persist.Load(core, cfg.StateDir)
	if err != nil {
		logger.Error("queue snapshot load reported errors", "error", err)
	}
	logger.Info("loaded queue snapshot", "bundles", n, "dir", cfg.StateDir)

	persistEngine := persist.New(core, cfg.StateDir)

	var idx *qindex.Index
	if cfg.Queue.QIndex.Enabled {
		idx, err = qindex.Open(cfg.Queue.QIndex.Dir, metrics.NewIndexMetrics())
		if err != nil {
			return fmt.Errorf("failed to open local index cache: %w", err)
		}
		defer idx.Close()

		if err := qindex.Rebuild(idx, core.Files); err != nil {
			logger.Warn("local index rebuild reported errors", "error", err)
		}
		qindex.Subscribe(core, idx, core.Files)
	}

	users, err := useridx.New(useridx.Config{
		MaxCost: cfg.Queue.UserIndex.MaxEntries,
		TTL:     cfg.Queue.UserIndex.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to build warm user cache: %w", err)
	}
	defer users.Close()

	// ubnPublisher is constructed here so a transfer.Engine has a live
	// bundle queue/task queue to send through the moment the protocol
	// layer attaches one via transfer.Engine.WithUBNPublisher; this
	// standalone binary has no socket layer of its own to drive a
	// transfer.Engine, so it goes no further than construction.
	ubnPublisher := ubn.New(core)
	_ = ubnPublisher

	searchDriver := search.New(core).WithUserCache(users)

	autoprioMode := autoprio.ModeDisabled
	switch cfg.Queue.AutoPrioType {
	case "PROGRESS":
		autoprioMode = autoprio.ModeProgress
	case "BALANCED":
		autoprioMode = autoprio.ModeBalanced
	}
	autoprioController := autoprio.New(core, autoprioMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core.Tasks.Start(ctx)
	go persistEngine.Run(ctx)
	go runAutoPrioLoop(ctx, autoprioController)
	if cfg.Queue.AutoSearch {
		go runSearchLoop(ctx, searchDriver)
	}

	var statusSrv *statusapi.Server
	if cfg.StatusAPI.Enabled {
		statusSrv = statusapi.NewServer(statusapi.Config{
			Enabled:      cfg.StatusAPI.Enabled,
			Port:         cfg.StatusAPI.Port,
			ReadTimeout:  cfg.StatusAPI.ReadTimeout,
			WriteTimeout: cfg.StatusAPI.WriteTimeout,
		}, core, reg)

		go func() {
			if err := statusSrv.Start(ctx); err != nil {
				logger.Error("status API stopped with error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, flushing queue state")
	cancel()

	if n, err := persistEngine.SaveDirty(); err != nil {
		logger.Error("final queue save failed", "error", err)
	} else {
		logger.Info("final queue save complete", "bundles", n)
	}

	core.Tasks.Stop(5 * time.Second)
	return nil
}

func registryOrNil(enabled bool) *prometheus.Registry {
	if !enabled {
		return nil
	}
	return metrics.InitRegistry()
}

func runAutoPrioLoop(ctx context.Context, c *autoprio.Controller) {
	ticker := time.NewTicker(autoprio.DefaultInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if assignments := c.Tick(now); len(assignments) > 0 {
				logger.Debug("auto-priority sweep applied assignments", "count", len(assignments))
			}
		}
	}
}

func runSearchLoop(ctx context.Context, d *search.Driver) {
	ticker := time.NewTicker(search.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if token, due := d.Tick(ctx, now); due {
				logger.Debug("issued alternate-source search", "bundle_token", token)
			}
		}
	}
}
