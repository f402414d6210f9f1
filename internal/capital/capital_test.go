package capital

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRead_ValidFile(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "capital.json")
	r.NoError(os.WriteFile(path, []byte(`{"baseEquityLiveUsd": 3500.5, "initialCapitalUsd": 2000}`), 0644))

	snap := Read(path)
	r.True(snap.Valid)
	r.InDelta(3500.5, snap.BaseEquityLiveUsd, 1e-9)
	r.InDelta(2000, snap.InitialCapitalUsd, 1e-9)
}

func TestRead_MissingOrInvalidFallsBack(t *testing.T) {
	r := require.New(t)
	r.False(Read(filepath.Join(t.TempDir(), "nope.json")).Valid)

	path := filepath.Join(t.TempDir(), "capital.json")
	r.NoError(os.WriteFile(path, []byte(`{broken`), 0644))
	r.False(Read(path).Valid)

	r.NoError(os.WriteFile(path, []byte(`{"baseEquityLiveUsd": -5, "initialCapitalUsd": 2000}`), 0644))
	r.False(Read(path).Valid)
}
