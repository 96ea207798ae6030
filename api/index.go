package api

import (
	"net/http"
	"sync"

	"tenant-auth/internal/app"
	"tenant-auth/internal/apperr"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. Migrations run when
// RUN_MIGRATIONS_ON_STARTUP is set; purging is left to the cron endpoint.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{LoadDotEnv: false})
	})

	if initErr != nil {
		apperr.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": app.ErrBootstrap.Error()})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
	// The platform may freeze the process once the handler returns.
	apiRuntime.Drain()
}
