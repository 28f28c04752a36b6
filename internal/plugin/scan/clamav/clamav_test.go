package clamav_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	_ "github.com/kelmah/messaging-service/internal/plugin/scan/clamav"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	"github.com/stretchr/testify/require"
)

// fakeClamd accepts one connection, consumes a full INSTREAM exchange, and
// answers with the given reply.
func fakeClamd(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := r.ReadString('\x00'); err != nil {
			return
		}
		for {
			var size [4]byte
			if _, err := io.ReadFull(r, size[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(size[:])
			if n == 0 {
				break
			}
			if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
				return
			}
		}
		_, _ = conn.Write([]byte(reply + "\x00"))
	}()
	return ln.Addr().String()
}

func newScanner(t *testing.T, address string) registryscan.Scanner {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ClamAVAddress = address
	cfg.ClamAVTimeout = 2 * time.Second
	cfg.ClamAVChunkSize = 8
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registryscan.Select("clamav")
	require.NoError(t, err)
	scanner, err := loader(ctx)
	require.NoError(t, err)
	return scanner
}

func TestScanBufferClean(t *testing.T) {
	scanner := newScanner(t, fakeClamd(t, "stream: OK"))
	verdict := scanner.ScanBuffer(context.Background(), []byte("harmless content spanning chunks"), "notes.txt")
	require.Equal(t, model.ScanClean, verdict.Status)
	require.Equal(t, "clamav", verdict.Engine)
	require.NotEmpty(t, verdict.Metadata["sha256"])
}

func TestScanBufferInfected(t *testing.T) {
	scanner := newScanner(t, fakeClamd(t, "stream: Eicar-Signature FOUND"))
	verdict := scanner.ScanBuffer(context.Background(), []byte("payload"), "evil.exe")
	require.Equal(t, model.ScanInfected, verdict.Status)
	require.Equal(t, "Eicar-Signature", verdict.Details)
}

func TestScanBufferUnrecognizedReply(t *testing.T) {
	scanner := newScanner(t, fakeClamd(t, "stream: something ERROR"))
	verdict := scanner.ScanBuffer(context.Background(), []byte("payload"), "odd.bin")
	require.Equal(t, model.ScanUnknown, verdict.Status)
	require.Equal(t, "unrecognized_response", verdict.Reason)
}

func TestScanBufferUnreachableDaemonFailsClosed(t *testing.T) {
	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	scanner := newScanner(t, address)
	verdict := scanner.ScanBuffer(context.Background(), []byte("payload"), "file.txt")
	require.Equal(t, model.ScanFailed, verdict.Status)
	require.Equal(t, "scanner_error", verdict.Reason)
}

func TestScanObjectStaysPending(t *testing.T) {
	scanner := newScanner(t, "127.0.0.1:1")
	verdict := scanner.ScanObject(context.Background(), registryscan.ObjectRef{StorageKey: "abc", Filename: "file.txt"})
	require.Equal(t, model.ScanPending, verdict.Status)
	require.Equal(t, "stream_disabled", verdict.Reason)
}

func TestLoaderRequiresAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	ctx := config.WithContext(context.Background(), &cfg)
	loader, err := registryscan.Select("clamav")
	require.NoError(t, err)
	_, err = loader(ctx)
	require.Error(t, err)
}
