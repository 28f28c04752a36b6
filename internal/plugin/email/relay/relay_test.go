package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kelmah/messaging-service/internal/config"
	_ "github.com/kelmah/messaging-service/internal/plugin/email/relay"
	registryemail "github.com/kelmah/messaging-service/internal/registry/email"
	"github.com/stretchr/testify/require"
)

func newSender(t *testing.T, endpoint string) registryemail.Sender {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.EmailEndpoint = endpoint
	cfg.EmailAPIKey = "relay-key"
	cfg.EmailFrom = "no-reply@kelmah.com"
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registryemail.Select("relay")
	require.NoError(t, err)
	sender, err := loader(ctx)
	require.NoError(t, err)
	return sender
}

func TestSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer relay-key", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := newSender(t, srv.URL).Send(context.Background(), registryemail.Message{
		To:       "bob@example.com",
		Subject:  "New message",
		HTMLBody: "<p>hi</p>",
	})
	require.NoError(t, err)
	require.Equal(t, "no-reply@kelmah.com", got["from"])
	require.Equal(t, "bob@example.com", got["to"])
	require.Equal(t, "<p>hi</p>", got["html_body"])
}

func TestSendNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newSender(t, srv.URL).Send(context.Background(), registryemail.Message{To: "bob@example.com"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestLoaderRequiresEndpoint(t *testing.T) {
	cfg := config.DefaultConfig()
	ctx := config.WithContext(context.Background(), &cfg)
	loader, err := registryemail.Select("relay")
	require.NoError(t, err)
	_, err = loader(ctx)
	require.Error(t, err)
}
