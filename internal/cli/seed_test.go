package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/store"
)

func TestSeedCommand_RequiresSource(t *testing.T) {
	cmd := NewSeedCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to seed")
}

func TestSeedCommand_LoadsCatalog(t *testing.T) {
	protocolDir := t.TempDir()
	writeFile(t, protocolDir, "wash.yaml", washProtocol)
	assetFile := writeFile(t, t.TempDir(), "assets.yaml", inventory)
	dbPath := filepath.Join(t.TempDir(), "seed.db")

	cmd := NewSeedCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--protocols", protocolDir, "--assets", assetFile, "--db", dbPath})

	require.NoError(t, cmd.Execute())

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	st, err := store.NewSQLiteStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	def, err := st.GetProtocol(ctx, "proto-wash")
	require.NoError(t, err)
	assert.Equal(t, "Wash cycle", def.Name)

	assets, err := st.ListAssets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, assets, 2)
}

func TestSeedCommand_IsIdempotent(t *testing.T) {
	protocolDir := t.TempDir()
	writeFile(t, protocolDir, "wash.yaml", washProtocol)
	assetFile := writeFile(t, t.TempDir(), "assets.yaml", inventory)
	dbPath := filepath.Join(t.TempDir(), "seed.db")

	for range 2 {
		cmd := NewSeedCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--protocols", protocolDir, "--assets", assetFile, "--db", dbPath})
		require.NoError(t, cmd.Execute())
	}

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	st, err := store.NewSQLiteStore(db)
	require.NoError(t, err)

	assets, err := st.ListAssets(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, assets, 2, "re-seeding must not duplicate assets")
	for _, a := range assets {
		assert.Equal(t, model.AssetAvailable, a.Status)
	}
}
