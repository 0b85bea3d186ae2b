package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAlertPostsToChatThread(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body = r.URL.Path, string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"message_id": 7,
				"date":       0,
				"chat":       map[string]any{"id": 42, "type": "supergroup"},
				"text":       "x",
			},
		})
	}))
	defer srv.Close()

	s, err := New(Config{Token: "T0K", ChatID: 42, ThreadID: 9, APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, s.SendAlert(context.Background(), "[ERROR] delivery failed"))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	assert.Contains(t, body, "42")
	assert.Contains(t, body, "delivery failed")
	assert.Contains(t, body, "message_thread_id")
}

func TestSendAlertHonorsCanceledContext(t *testing.T) {
	s, err := New(Config{Token: "T0K", ChatID: 42, APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SendAlert(ctx, "x"), context.Canceled)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChatID: 1})
	assert.Error(t, err)
	_, err = New(Config{Token: "T"})
	assert.Error(t, err)
}
