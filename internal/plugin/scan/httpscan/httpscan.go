// Package httpscan scans content through a JSON-over-HTTP scanner service.
// Payload bytes ride along base64-encoded only when small enough; larger
// buffers and remote objects are submitted metadata-only.
package httpscan

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	"github.com/kelmah/messaging-service/internal/scan"
)

const engineName = "http"

func init() {
	registryscan.Register(registryscan.Plugin{
		Name: "http",
		Loader: func(ctx context.Context) (registryscan.Scanner, error) {
			cfg := config.FromContext(ctx)
			if cfg.ScanHTTPEndpoint == "" {
				return nil, fmt.Errorf("http scanner requires an endpoint")
			}
			return &Scanner{
				endpoint:      cfg.ScanHTTPEndpoint,
				apiKey:        cfg.ScanHTTPAPIKey,
				timeout:       cfg.ScanHTTPTimeout,
				maxInlineSize: cfg.ScanHTTPMaxInlineSize,
				client:        &http.Client{Timeout: cfg.ScanHTTPTimeout},
			}, nil
		},
	})
}

// Scanner posts scan requests to an HTTP scanner service.
type Scanner struct {
	endpoint      string
	apiKey        string
	timeout       time.Duration
	maxInlineSize int64
	client        *http.Client
}

type scanRequest struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256,omitempty"`
	StorageKey  string `json:"storageKey,omitempty"`
	Content     string `json:"content,omitempty"`
}

type scanResponse struct {
	Status  string `json:"status"`
	Engine  string `json:"engine,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
	Details string `json:"details,omitempty"`
	Threat  string `json:"threat,omitempty"`
}

func (s *Scanner) ScanBuffer(ctx context.Context, data []byte, filename string) scan.Verdict {
	meta := scan.BufferMetadata(data)
	req := scanRequest{
		Filename: filename,
		Size:     int64(len(data)),
		SHA256:   meta["sha256"].(string),
	}
	if int64(len(data)) <= s.maxInlineSize {
		req.Content = base64.StdEncoding.EncodeToString(data)
	}
	verdict := s.post(ctx, req)
	if verdict.Metadata == nil {
		verdict.Metadata = meta
	}
	return verdict
}

func (s *Scanner) ScanObject(ctx context.Context, ref registryscan.ObjectRef) scan.Verdict {
	return s.post(ctx, scanRequest{
		Filename:    ref.Filename,
		ContentType: ref.ContentType,
		Size:        ref.Size,
		StorageKey:  ref.StorageKey,
	})
}

func (s *Scanner) post(ctx context.Context, payload scanRequest) scan.Verdict {
	body, err := json.Marshal(payload)
	if err != nil {
		return scan.FailedVerdict(engineName, "scanner_error", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return scan.FailedVerdict(engineName, "scanner_error", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return scan.FailedVerdict(engineName, "scanner_error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return scan.FailedVerdict(engineName, "scanner_error",
			fmt.Errorf("scanner returned status %d", resp.StatusCode))
	}

	var result scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// A 2xx with an unparseable body counts as clean per the service's
		// contract; the details keep the oddity auditable.
		return scan.Verdict{
			Status:  model.ScanClean,
			Engine:  engineName,
			Details: "unparseable scanner response",
		}
	}
	return mapResponse(result)
}

func mapResponse(r scanResponse) scan.Verdict {
	engine := r.Engine
	if engine == "" {
		engine = engineName
	}
	verdict := scan.Verdict{
		Engine:  engine,
		Vendor:  r.Vendor,
		Details: r.Details,
	}
	switch r.Status {
	case "clean", "ok":
		verdict.Status = model.ScanClean
	case "infected", "malicious":
		verdict.Status = model.ScanInfected
		if verdict.Details == "" {
			verdict.Details = r.Threat
		}
	case "pending":
		verdict.Status = model.ScanPending
	case "skipped":
		verdict.Status = model.ScanSkipped
	case "failed", "error":
		verdict.Status = model.ScanFailed
		verdict.Reason = "scanner_error"
	default:
		verdict.Status = model.ScanUnknown
		verdict.Reason = "unrecognized_response"
	}
	return verdict
}
