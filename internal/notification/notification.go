// Package notification sends the end-of-run summary to a chat webhook.
// Every sender here is best-effort: a network failure is logged, never
// propagated, and never affects the run's exit status (spec.md §7).
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"compose-guardian/internal/logx"
)

// timeout bounds every notification POST, per spec.md §6.
const timeout = 10 * time.Second

// Notifier sends one message. Implementations must swallow their own
// transport failures; the returned error is advisory for logging only and
// is never treated as a reason to retry or to fail a run.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// WebhookNotifier posts a DingTalk-compatible markdown payload, matching
// spec.md §6 exactly.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier returns a notifier for url, or nil if url is empty —
// callers should check for nil and skip sending rather than construct a
// notifier that always fails.
func NewWebhookNotifier(url string) *WebhookNotifier {
	if url == "" {
		return nil
	}
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: timeout}}
}

type dingtalkPayload struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"markdown"`
}

// Send implements Notifier.
func (w *WebhookNotifier) Send(ctx context.Context, title, body string) error {
	payload := dingtalkPayload{MsgType: "markdown"}
	payload.Markdown.Title = title
	payload.Markdown.Text = body

	return postJSON(ctx, w.Client, w.URL, payload)
}

// SlackNotifier posts a plain-text Slack-compatible payload. An expansion
// over spec.md: a second, optional channel sharing Notifier's contract.
type SlackNotifier struct {
	URL    string
	Client *http.Client
}

// NewSlackNotifier returns a notifier for url, or nil if url is empty.
func NewSlackNotifier(url string) *SlackNotifier {
	if url == "" {
		return nil
	}
	return &SlackNotifier{URL: url, Client: &http.Client{Timeout: timeout}}
}

type slackPayload struct {
	Text string `json:"text"`
}

// Send implements Notifier.
func (s *SlackNotifier) Send(ctx context.Context, title, body string) error {
	return postJSON(ctx, s.Client, s.URL, slackPayload{Text: title + "\n" + body})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// SendAll dispatches title/body to every non-nil notifier, logging but not
// propagating individual failures — one channel's outage never suppresses
// another (SPEC_FULL.md §4.7 expansion).
func SendAll(ctx context.Context, notifiers []Notifier, title, body string, log logx.Logger) {
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, title, body); err != nil && log != nil {
			log.Warn("notification send failed: %v", err)
		}
	}
}
