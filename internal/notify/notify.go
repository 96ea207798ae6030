// Package notify hands templated messages to whatever delivers them.
package notify

import (
	"context"
	"sort"

	"tenant-auth/internal/observability"
)

type Message struct {
	Template string
	To       string
	TenantID string
	Params   map[string]string
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier records messages in the log instead of delivering them. Only
// parameter names are logged since values can hold secrets.
type LogNotifier struct {
	logger *observability.Logger
}

func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	keys := make([]string, 0, len(msg.Params))
	for k := range msg.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n.logger.Info("notification_logged", map[string]any{
		"template":  msg.Template,
		"to":        msg.To,
		"tenant_id": msg.TenantID,
		"params":    keys,
	})
	return nil
}
