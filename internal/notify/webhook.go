package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Notify-Timestamp"
	HeaderSignature = "X-Notify-Signature"
)

// Webhook posts messages as JSON to a mail relay. Each request is signed with
// HMAC-SHA256 over "<timestamp>.<body>" so the relay can reject forgeries
// and replays.
type Webhook struct {
	endpoint   string
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
}

type webhookPayload struct {
	Template string            `json:"template"`
	To       string            `json:"to"`
	TenantID string            `json:"tenant_id,omitempty"`
	Params   map[string]string `json:"params"`
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

func NewWebhook(rawURL, secret string) (*Webhook, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse notify webhook url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, fmt.Errorf("invalid notify webhook scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("notify webhook url has no host")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("missing notify webhook secret")
	}

	return &Webhook{
		endpoint: parsed.String(),
		secret:   []byte(secret),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}, nil
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("message has no recipient")
	}

	body, err := json.Marshal(webhookPayload{
		Template: msg.Template,
		To:       msg.To,
		TenantID: msg.TenantID,
		Params:   msg.Params,
	})
	if err != nil {
		return fmt.Errorf("encode notify payload: %w", err)
	}

	timestamp := strconv.FormatInt(w.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(w.secret, timestamp, body))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read notify response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed webhookErrorResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
			return fmt.Errorf("notify relay rejected message: %s", parsed.Error)
		}
		return fmt.Errorf("notify relay failed with status %d", resp.StatusCode)
	}

	return nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
