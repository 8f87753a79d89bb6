package mirror

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chaingate/internal/errors"
	"chaingate/pkg/contracts/domain"
)

func testMirrors(t *testing.T) map[string]Mirror {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Mirror{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func TestMirror_RoundTrip(t *testing.T) {
	checked := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for name, m := range testMirrors(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := m.Load(ctx)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)

			require.NoError(t, m.Save(ctx, domain.MirrorRecord{
				HasLicense:           true,
				UnlockedCapabilities: []string{"bitcoin", "ethereum"},
				CheckedAt:            checked,
			}))
			rec, err := m.Load(ctx)
			require.NoError(t, err)
			assert.True(t, rec.HasLicense)
			assert.Equal(t, []string{"bitcoin", "ethereum"}, rec.UnlockedCapabilities)
			assert.True(t, checked.Equal(rec.CheckedAt))

			// the single key is overwritten
			require.NoError(t, m.Save(ctx, domain.MirrorRecord{CheckedAt: checked.Add(time.Minute)}))
			rec, err = m.Load(ctx)
			require.NoError(t, err)
			assert.False(t, rec.HasLicense)
			assert.NotNil(t, rec.UnlockedCapabilities)
			assert.Empty(t, rec.UnlockedCapabilities)
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, domain.MirrorRecord{HasLicense: true, UnlockedCapabilities: []string{"solana"}}))
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	_, err = first.Load(ctx)
	assert.Error(t, err)

	second, err := OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	rec, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"solana"}, rec.UnlockedCapabilities)
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	caps := []string{"bitcoin"}
	require.NoError(t, m.Save(context.Background(), domain.MirrorRecord{UnlockedCapabilities: caps}))
	caps[0] = "mutated"

	rec, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bitcoin"}, rec.UnlockedCapabilities)
	assert.Equal(t, 1, m.Saves())
}
