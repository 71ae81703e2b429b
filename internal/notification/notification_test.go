package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierSendsDingtalkMarkdownPayload(t *testing.T) {
	var received dingtalkPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	require.NotNil(t, n)

	err := n.Send(context.Background(), "Compose Guardian Run SUCCESS", "body text")
	require.NoError(t, err)
	assert.Equal(t, "markdown", received.MsgType)
	assert.Equal(t, "Compose Guardian Run SUCCESS", received.Markdown.Title)
	assert.Equal(t, "body text", received.Markdown.Text)
}

func TestNewWebhookNotifierReturnsNilWhenEmpty(t *testing.T) {
	assert.Nil(t, NewWebhookNotifier(""))
}

func TestSlackNotifierSendsTextPayload(t *testing.T) {
	var received slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	require.NotNil(t, n)

	err := n.Send(context.Background(), "title", "body")
	require.NoError(t, err)
	assert.Equal(t, "title\nbody", received.Text)
}

func TestNewSlackNotifierReturnsNilWhenEmpty(t *testing.T) {
	assert.Nil(t, NewSlackNotifier(""))
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) Send(ctx context.Context, title, body string) error {
	r.calls++
	return r.err
}

func TestSendAllContinuesAfterOneFailure(t *testing.T) {
	failing := &recordingNotifier{err: assertErr}
	ok := &recordingNotifier{}
	SendAll(context.Background(), []Notifier{failing, ok}, "t", "b", nil)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
}

var assertErr = context.DeadlineExceeded
