package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/ragdocumentflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	watchdogInstance *services.WatchdogFunction
	once             sync.Once
	initErr          error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Triggered by a Cloud Scheduler job through Pub/Sub.
	functions.CloudEvent("SweepStaleDocuments", sweepStaleDocuments)
}

// main is required by the Go Functions Framework.
func main() {}

// sweepStaleDocuments ignores the event payload; every tick runs one sweep.
func sweepStaleDocuments(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		watchdogInstance, initErr = services.NewWatchdog(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	res, err := watchdogInstance.Process(ctx)
	if err != nil {
		slog.Error("Watchdog sweep failed", "eventId", e.ID(), "error", err)
		return err
	}
	slog.Info("Watchdog sweep finished", "eventId", e.ID(), "timedOut", len(res.TimedOut), "resubmitted", len(res.Resubmitted), "conflicts", res.Conflicts)
	return nil
}
