package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/archive"
	"github.com/zen-systems/captain/pkg/audit"
	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/hat"
	"github.com/zen-systems/captain/pkg/human"
	"github.com/zen-systems/captain/pkg/orchestrator"
	"github.com/zen-systems/captain/pkg/safety"
	"github.com/zen-systems/captain/pkg/status"
	"github.com/zen-systems/captain/pkg/triage"
	"github.com/zen-systems/captain/pkg/workspace"
)

// runtime is the fully wired loop for one CLI invocation.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	bridge   *human.Bridge
	safety   *safety.Middleware
	recorder *audit.Recorder
	archive  *archive.Store
	mirror   *bus.NATSMirror
	loop     *orchestrator.Loop
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	mw, err := openSafety(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.safety = mw

	rt.bus = bus.New(bus.WithLogger(logger))
	rt.bridge = human.NewBridge(cfg.Loop.HumanTimeout, logger)

	if rt.recorder, err = openRecorder(cfg, logger); err != nil {
		return nil, err
	}
	if _, err := rt.recorder.Observe(rt.bus); err != nil {
		return nil, err
	}

	if cfg.NATS.URL != "" {
		rt.mirror, err = bus.DialNATS(cfg.NATS.URL, cfg.NATS.Prefix, logger)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		if err := rt.mirror.Attach(rt.bus, rt.bridge); err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		logger.Info("mirroring events to nats", "url", cfg.NATS.URL, "inbound", rt.mirror.InboundSubject())
	}

	hats, err := buildHats(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if rt.archive, err = openArchive(cfg); err != nil {
		return nil, err
	}

	rt.loop, err = orchestrator.New(cfg, orchestrator.Deps{
		Hats:        hats,
		Safety:      rt.safety,
		Bridge:      rt.bridge,
		Bus:         rt.bus,
		Recorder:    rt.recorder,
		Status:      status.NewWriter(cfg.Workspace),
		Archive:     rt.archive,
		EvidenceDir: cfg.StatePath("tasks"),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

// Close drains the bus before closing the sinks it feeds.
func (rt *runtime) Close() error {
	var errs []error
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.mirror != nil {
		errs = append(errs, rt.mirror.Close())
	}
	if rt.recorder != nil {
		errs = append(errs, rt.recorder.Close())
	}
	return errors.Join(errs...)
}

func openSafety(cfg *config.Config, logger *slog.Logger) (*safety.Middleware, error) {
	snap, err := safety.NewSnapshotter(cfg.Snapshot, cfg.Workspace, cfg.StateDir, orchestrator.Artifacts(cfg)...)
	if err != nil {
		return nil, err
	}
	return safety.New(cfg.Workspace, cfg.StateDir, snap, safety.WithLogger(logger))
}

func openRecorder(cfg *config.Config, logger *slog.Logger) (*audit.Recorder, error) {
	sinks := audit.Multi{audit.NewMarkdownLog(cfg.WorkspacePath(cfg.Audit.LogPath))}
	if cfg.Audit.SQLitePath != "" {
		db, err := audit.OpenSQLite(cfg.WorkspacePath(cfg.Audit.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("audit database: %w", err)
		}
		sinks = append(sinks, db)
	}
	return audit.NewRecorder(sinks, logger), nil
}

func openArchive(cfg *config.Config) (*archive.Store, error) {
	return archive.NewStore(cfg.StatePath("archive"))
}

func loadMatrix(cfg *config.Config) (*gate.Matrix, error) {
	if cfg.MatrixPath == "" {
		return gate.DefaultMatrix(), nil
	}
	return gate.LoadMatrix(cfg.WorkspacePath(cfg.MatrixPath))
}

func buildHats(ctx context.Context, cfg *config.Config, logger *slog.Logger) (hat.Registry, error) {
	adapters, err := adapter.NewRegistry(ctx, cfg.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("adapters: %w", err)
	}
	matrix, err := loadMatrix(cfg)
	if err != nil {
		return nil, err
	}

	var suite *gate.Suite
	if len(cfg.Verification) > 0 {
		if suite, err = gate.NewSuite(cfg.Verification, cfg.Workspace); err != nil {
			return nil, err
		}
	}

	return hat.FromConfig(cfg, hat.Deps{
		Adapters:   adapters,
		Classifier: triage.NewClassifier(adapters, cfg.Triage, logger),
		Matrix:     matrix,
		Suite:      suite,
		Applier:    workspace.NewApplier(cfg.Workspace, orchestrator.Artifacts(cfg)...),
		Logger:     logger,
	})
}
