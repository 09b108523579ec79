package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/redsync/redsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b := NewBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, b.Close())
	})
	return b
}

func TestBoltSettings(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)

	_, _, err := b.GetSettings(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	want := types.Settings{
		SelectedProperties:  []string{"8490263"},
		SelectedServices:    []types.ServiceType{types.ServiceElectricity},
		PollIntervalSeconds: 300,
	}
	require.NoError(t, b.SetSettings(ctx, want, types.CurrentSettingsVersion))

	got, version, err := b.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, types.CurrentSettingsVersion, version)
}

func TestBoltToken(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)

	_, err := b.GetToken(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	want := types.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Date(2025, 9, 6, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.SetToken(ctx, want))

	got, err := b.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, b.DeleteToken(ctx))
	_, err = b.GetToken(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting again is a no-op
	require.NoError(t, b.DeleteToken(ctx))
}

func TestBoltSnapshots(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)

	got, err := b.GetSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	first := map[string]types.UsageSnapshot{
		"8490263/electricity": {
			Version:          types.CurrentSnapshotVersion,
			PropertyID:       "8490263",
			ServiceType:      types.ServiceElectricity,
			ConsumerNumber:   "4235478511",
			TotalImportedKWH: 12.5,
		},
		"8490263/gas": {
			Version:     types.CurrentSnapshotVersion,
			PropertyID:  "8490263",
			ServiceType: types.ServiceGas,
		},
	}
	require.NoError(t, b.SetSnapshots(ctx, first))

	got, err = b.GetSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	// a new set fully replaces the old one, stale keys must not linger
	second := map[string]types.UsageSnapshot{
		"8490263/electricity": first["8490263/electricity"],
	}
	require.NoError(t, b.SetSnapshots(ctx, second))

	got, err = b.GetSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.NotContains(t, got, "8490263/gas")
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	b := NewBolt(path)
	require.NoError(t, b.Init(ctx))
	tok := types.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	require.NoError(t, b.SetToken(ctx, tok))
	require.NoError(t, b.Close())

	b2 := NewBolt(path)
	require.NoError(t, b2.Init(ctx))
	defer b2.Close()
	got, err := b2.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, got)
}
