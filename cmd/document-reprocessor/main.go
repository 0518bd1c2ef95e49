package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/services"
)

var (
	reprocessorInstance *services.ReprocessorFunction
	once                sync.Once
	initErr             error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleReprocessDocument", handleReprocessDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func handleReprocessDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		reprocessorInstance, initErr = services.NewReprocessor(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: Reprocessor initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.ReprocessDocumentRequest
	if err := services.DecodeJSON(r, &req); err != nil {
		slog.Error("Could not decode request body", "error", err)
		services.WriteError(w, err)
		return
	}

	res, err := reprocessorInstance.Process(r.Context(), &req)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, res)
}
