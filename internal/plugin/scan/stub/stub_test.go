package stub_test

import (
	"context"
	"testing"

	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	_ "github.com/kelmah/messaging-service/internal/plugin/scan/stub"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	"github.com/stretchr/testify/require"
)

func TestStubVerdictsAreSimulatedClean(t *testing.T) {
	cfg := config.DefaultConfig()
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registryscan.Select("stub")
	require.NoError(t, err)
	scanner, err := loader(ctx)
	require.NoError(t, err)

	verdict := scanner.ScanBuffer(ctx, []byte("anything"), "file.txt")
	require.Equal(t, model.ScanClean, verdict.Status)
	require.True(t, verdict.Simulated)
	require.NotEmpty(t, verdict.Metadata["sha256"])

	verdict = scanner.ScanObject(ctx, registryscan.ObjectRef{StorageKey: "key"})
	require.Equal(t, model.ScanClean, verdict.Status)
	require.True(t, verdict.Simulated)
}
