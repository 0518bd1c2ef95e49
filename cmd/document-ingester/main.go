package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/ragdocumentflow/internal/services"
)

var (
	ingesterInstance *services.IngesterFunction
	once             sync.Once
	initErr          error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// "HandleIngestDocument" is the entry point name configured in GCP.
	functions.HTTP("HandleIngestDocument", handleIngestDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// handleIngestDocument accepts a multipart upload and returns the created document.
func handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		ingesterInstance, initErr = services.NewIngester(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: Ingester initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	upload, err := ingesterInstance.ParseUpload(r)
	if err != nil {
		slog.Warn("Could not read upload", "error", err)
		services.WriteError(w, err)
		return
	}

	res, err := ingesterInstance.Process(r.Context(), upload)
	if err != nil {
		// The coordinator has already logged the failure.
		services.WriteError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusCreated, res)
}
