package services

import (
	"context"
	"log/slog"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/watchdog"
)

// WatchdogFunction runs one sweep per scheduler tick.
type WatchdogFunction struct {
	sweeper *watchdog.Sweeper
}

// NewWatchdog creates a new WatchdogFunction instance from configuration.
func NewWatchdog(ctx context.Context) (*WatchdogFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Processing watchdog initialized.", "processingTimeout", cfg.Watchdog.ProcessingTimeout.String())
	return NewWatchdogFromRuntime(rt), nil
}

func NewWatchdogFromRuntime(rt *Runtime) *WatchdogFunction {
	cfg := rt.Config.Watchdog
	sweeper := watchdog.New(rt.Repository, rt.Tracker, rt.Dispatcher, watchdog.Config{
		ProcessingTimeout: cfg.ProcessingTimeout,
		Grace:             cfg.Grace,
		ResubmitAfter:     cfg.ResubmitAfter,
		BatchSize:         cfg.BatchSize,
	}, rt.Logger)
	return &WatchdogFunction{sweeper: sweeper}
}

func (f *WatchdogFunction) Process(ctx context.Context) (*models.SweepResponse, error) {
	report, err := f.sweeper.Sweep(ctx)
	resp := &models.SweepResponse{}
	if report != nil {
		resp.TimedOut = report.TimedOut
		resp.Resubmitted = report.Resubmitted
		resp.Conflicts = report.Conflicts
	}
	return resp, err
}
