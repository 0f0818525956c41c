// memvaultd runs the privacy-preserving vector memory service: it
// restores the latest snapshot, starts the ledger synchronizer, and
// shuts down cleanly on SIGINT/SIGTERM with a final snapshot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/memvault/batch"
	"github.com/becomeliminal/memvault/crypt"
	"github.com/becomeliminal/memvault/crypt/seal"
	"github.com/becomeliminal/memvault/crypt/sim"
	"github.com/becomeliminal/memvault/embed/mock"
	"github.com/becomeliminal/memvault/engine"
	"github.com/becomeliminal/memvault/index"
	"github.com/becomeliminal/memvault/ledger"
	"github.com/becomeliminal/memvault/ledger/ws"
	"github.com/becomeliminal/memvault/snapshot"
	"github.com/becomeliminal/memvault/store"
	"github.com/becomeliminal/memvault/store/local"
	"github.com/becomeliminal/memvault/store/remote"
)

type config struct {
	DataDir          string        `env:"MEMVAULT_DATA_DIR" envDefault:"./data"`
	StoreURL         string        `env:"MEMVAULT_STORE_URL"`
	KeyServiceURL    string        `env:"MEMVAULT_KEY_SERVICE_URL"`
	LedgerURL        string        `env:"MEMVAULT_LEDGER_URL"`
	Dimension        int           `env:"MEMVAULT_DIMENSION" envDefault:"384"`
	IndexCapacity    int           `env:"MEMVAULT_INDEX_CAPACITY" envDefault:"100000"`
	BatchCapacity    int           `env:"MEMVAULT_BATCH_CAPACITY" envDefault:"64"`
	PollInterval     time.Duration `env:"MEMVAULT_POLL_INTERVAL" envDefault:"5s"`
	SnapshotInterval time.Duration `env:"MEMVAULT_SNAPSHOT_INTERVAL" envDefault:"5m"`
	LogLevel         string        `env:"MEMVAULT_LOG_LEVEL" envDefault:"info"`
}

// services holds every external handle, constructed once at startup
// and passed by reference to the components that need it.
type services struct {
	contents store.Client
	provider crypt.Provider
	idx      *index.Index
	batches  *batch.Manager
	snaps    *snapshot.Manager
	engine   *engine.Engine
	syncer   *ledger.Synchronizer
}

func main() {
	root := &cobra.Command{
		Use:          "memvaultd",
		Short:        "Privacy-preserving vector memory service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	svc, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.contents.Close()

	if svc.syncer != nil {
		if err := svc.syncer.Restore(ctx); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		if err := svc.syncer.Start(ctx); err != nil {
			return fmt.Errorf("start synchronizer: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"dimension": cfg.Dimension,
		"records":   svc.idx.Count(),
	}).Info("memvault ready")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.WithField("signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
	}

	if svc.syncer != nil {
		svc.syncer.Stop()
	}
	return nil
}

func buildServices(ctx context.Context, cfg config, log *logrus.Logger) (*services, error) {
	var contents store.Client
	var err error
	if cfg.StoreURL != "" {
		contents, err = remote.New(remote.Config{BaseURL: cfg.StoreURL, Logger: log})
	} else {
		contents, err = local.New(local.Config{
			Path:   filepath.Join(cfg.DataDir, "contentstore"),
			Logger: log,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}

	var provider crypt.Provider
	if cfg.KeyServiceURL != "" {
		provider, err = seal.New(seal.Config{BaseURL: cfg.KeyServiceURL, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("key service client: %w", err)
		}
	} else {
		log.Warn("no key service configured, using simulated encryption (NOT for production)")
		provider = sim.New("")
	}

	idx, err := index.New(index.Config{
		Dimension: cfg.Dimension,
		Capacity:  cfg.IndexCapacity,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}

	batches := batch.NewManager(contents, batch.Config{Capacity: cfg.BatchCapacity, Logger: log})

	snaps, err := snapshot.NewManager(contents, snapshot.Config{
		PointerPath: filepath.Join(cfg.DataDir, "snapshot.pointer"),
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot manager: %w", err)
	}

	eng := engine.New(idx, mock.NewWithDimensions(cfg.Dimension), provider, contents, batches,
		engine.WithLogger(log))

	svc := &services{
		contents: contents,
		provider: provider,
		idx:      idx,
		batches:  batches,
		snaps:    snaps,
		engine:   eng,
	}

	if cfg.LedgerURL != "" {
		feed, err := ws.Dial(ctx, ws.Config{URL: cfg.LedgerURL, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("ledger feed: %w", err)
		}
		svc.syncer = ledger.NewSynchronizer(feed, idx, snaps, contents, ledger.SyncConfig{
			PollInterval:     cfg.PollInterval,
			SnapshotInterval: cfg.SnapshotInterval,
			Logger:           log,
		})
	}
	return svc, nil
}
