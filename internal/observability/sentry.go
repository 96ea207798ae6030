package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		// Request bodies carry passwords and tokens.
		SendDefaultPII: false,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
