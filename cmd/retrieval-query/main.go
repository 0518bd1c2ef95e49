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
	retrievalInstance *services.RetrievalFunction
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleRetrieval", handleRetrieval)
}

// main is required by the Go Functions Framework.
func main() {}

// handleRetrieval serves POST /query and POST /enrich. The cache lives in the
// instance, so it is shared by every request an instance handles.
func handleRetrieval(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		retrievalInstance, initErr = services.NewRetrieval(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: Retrieval initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	retrievalInstance.ServeHTTP(w, r)
}
