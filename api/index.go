package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"brevity-server/internal/app"
	"brevity-server/internal/observability"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. Expired-token cleanup runs through
// the cron endpoint here since no background sweeper survives between calls.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{LoadDotEnv: false})
		if initErr != nil {
			observability.NewLogger().Error("bootstrap_failed", map[string]any{"error": initErr.Error()})
			return
		}

		cfg := apiRuntime.Config
		if _, err := observability.SetupTracing(context.Background(), cfg.OTELServiceName, cfg.OTELExporterEndpoint); err != nil {
			apiRuntime.Logger.Error("init_tracing_failed", map[string]any{"error": err.Error()})
		}
	})

	if initErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "Application bootstrap failed"})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := observability.FlushTracing(flushCtx); err != nil {
		apiRuntime.Logger.Error("flush_tracing_failed", map[string]any{"error": err.Error()})
	}
}
