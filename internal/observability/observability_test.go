package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Warn("login_failed", map[string]any{
		"tenant_code": "acme",
		"error":       errors.New("boom"),
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "login_failed", entry.Message)
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "acme", entry.ContextMap()["tenant_code"])
	assert.Equal(t, "boom", entry.ContextMap()["error"])
}

func TestLoggerLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("hidden", nil)
	logger.Info("shown", nil)

	assert.Equal(t, 1, logs.Len())
	assert.False(t, logger.DebugEnabled())
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)

	logger, err := NewLogger(LoggerConfig{Level: "debug"})
	require.NoError(t, err)
	assert.True(t, logger.DebugEnabled())
}

func TestClientIP(t *testing.T) {
	resolve := func(trustProxy bool, forwarded string) string {
		var got string
		handler := ClientIPMiddleware(trustProxy, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got = ClientIP(r)
		}))
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "192.0.2.10:5123"
		if forwarded != "" {
			r.Header.Set("X-Forwarded-For", forwarded)
		}
		handler.ServeHTTP(httptest.NewRecorder(), r)
		return got
	}

	assert.Equal(t, "192.0.2.10", resolve(false, ""))
	assert.Equal(t, "192.0.2.10", resolve(false, "203.0.113.7, 10.0.0.1"))
	assert.Equal(t, "203.0.113.7", resolve(true, "203.0.113.7, 10.0.0.1"))
	assert.Equal(t, "192.0.2.10", resolve(true, "not-an-ip"))
	assert.Equal(t, "192.0.2.10", resolve(true, ""))
}

func TestClientIP_WithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:5123"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")

	assert.Equal(t, "192.0.2.10", ClientIP(r))
}

func TestRecoverMiddleware(t *testing.T) {
	handler := RecoverMiddleware(NewNopLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	RequestLoggingMiddleware(NewZapLogger(zap.New(core)), mux).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/1", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "/things/1", fields["path"])
}
