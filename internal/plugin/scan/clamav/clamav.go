// Package clamav scans buffers by streaming them to a clamd daemon with the
// INSTREAM command: length-prefixed chunks over a raw TCP socket. Transport
// errors become failed verdicts, never clean ones.
package clamav

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	"github.com/kelmah/messaging-service/internal/scan"
)

const engineName = "clamav"

func init() {
	registryscan.Register(registryscan.Plugin{
		Name: "clamav",
		Loader: func(ctx context.Context) (registryscan.Scanner, error) {
			cfg := config.FromContext(ctx)
			if cfg.ClamAVAddress == "" {
				return nil, fmt.Errorf("clamav scanner requires a daemon address")
			}
			return &Scanner{
				address:   cfg.ClamAVAddress,
				timeout:   cfg.ClamAVTimeout,
				chunkSize: cfg.ClamAVChunkSize,
			}, nil
		},
	})
}

// Scanner talks to a clamd daemon over TCP.
type Scanner struct {
	address   string
	timeout   time.Duration
	chunkSize int
}

func (s *Scanner) ScanBuffer(ctx context.Context, data []byte, filename string) scan.Verdict {
	raw, err := s.instream(ctx, data)
	if err != nil {
		return scan.FailedVerdict(engineName, "scanner_error", err)
	}
	verdict := parseResponse(raw)
	if verdict.Metadata == nil {
		verdict.Metadata = scan.BufferMetadata(data)
	}
	return verdict
}

// ScanObject cannot examine remote content without the bytes; the verdict
// stays pending rather than pretending the object was scanned.
func (s *Scanner) ScanObject(ctx context.Context, ref registryscan.ObjectRef) scan.Verdict {
	return scan.Verdict{
		Status: model.ScanPending,
		Engine: engineName,
		Reason: "stream_disabled",
	}
}

// instream performs the INSTREAM exchange: a zero-terminated command, then
// 4-byte big-endian length-prefixed chunks, then a zero-length terminator.
func (s *Scanner) instream(ctx context.Context, data []byte) (string, error) {
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return "", fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}

	chunkSize := s.chunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	var size [4]byte
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		binary.BigEndian.PutUint32(size[:], uint32(len(chunk)))
		if _, err := conn.Write(size[:]); err != nil {
			return "", fmt.Errorf("write chunk header: %w", err)
		}
		if _, err := conn.Write(chunk); err != nil {
			return "", fmt.Errorf("write chunk: %w", err)
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := conn.Write(size[:]); err != nil {
		return "", fmt.Errorf("write terminator: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && reply == "" {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.Trim(reply, "\x00\n "), nil
}

// parseResponse maps a clamd reply line to a verdict. Replies look like
// "stream: OK", "stream: Eicar-Signature FOUND", or "stream: ... ERROR".
func parseResponse(raw string) scan.Verdict {
	switch {
	case strings.HasSuffix(raw, "FOUND"):
		signature := strings.TrimSuffix(raw, "FOUND")
		signature = strings.TrimSpace(strings.TrimPrefix(signature, "stream:"))
		return scan.Verdict{
			Status:  model.ScanInfected,
			Engine:  engineName,
			Details: signature,
		}
	case strings.HasSuffix(raw, "OK"):
		return scan.Verdict{
			Status: model.ScanClean,
			Engine: engineName,
		}
	default:
		return scan.Verdict{
			Status:  model.ScanUnknown,
			Engine:  engineName,
			Details: raw,
			Reason:  "unrecognized_response",
		}
	}
}
