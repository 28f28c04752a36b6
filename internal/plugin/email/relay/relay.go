// Package relay delivers email through an HTTP relay endpoint, typically a
// transactional mail service or an internal mailer sidecar.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kelmah/messaging-service/internal/config"
	registryemail "github.com/kelmah/messaging-service/internal/registry/email"
)

func init() {
	registryemail.Register(registryemail.Plugin{
		Name:   "relay",
		Loader: load,
	})
}

func load(ctx context.Context) (registryemail.Sender, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.EmailEndpoint == "" {
		return nil, fmt.Errorf("relay: EMAIL_ENDPOINT is required")
	}
	timeout := cfg.EmailTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		endpoint: cfg.EmailEndpoint,
		apiKey:   cfg.EmailAPIKey,
		from:     cfg.EmailFrom,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type Sender struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

type relayRequest struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
}

func (s *Sender) Send(ctx context.Context, msg registryemail.Message) error {
	payload, err := json.Marshal(relayRequest{
		From:     s.from,
		To:       msg.To,
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
	})
	if err != nil {
		return fmt.Errorf("relay: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("relay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
