package device

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/benchd/internal/model"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	registry := NewRegistry()
	registry.Register(DriverSim, NewSimAdapter())
	rt := NewRuntime(registry, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(func() { rt.TeardownAll(context.Background()) })
	return rt
}

func simAsset(id string) *model.Asset {
	return &model.Asset{
		ID:       id,
		Name:     id,
		Category: model.CategoryLiquidHandler,
		Driver:   DriverSim,
		Config:   map[string]any{"initial_state": map[string]any{"volume_ul": 500.0}},
	}
}

func TestRegistry_ResolveAndList(t *testing.T) {
	registry := NewRegistry()
	registry.Register(DriverSim, NewSimAdapter())

	adapter, err := registry.Resolve(DriverSim)
	require.NoError(t, err)
	assert.Equal(t, DriverSim, adapter.Capabilities().Name)

	_, err = registry.Resolve("opentrons")
	assert.Error(t, err)

	infos := registry.List()
	require.Len(t, infos, 1)
	assert.Equal(t, DriverSim, infos[0].Name)
	assert.Contains(t, infos[0].Capabilities.SupportedOps, "transfer")
}

func TestRuntime_InstantiateIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	asset := simAsset("lh-01")

	first, err := rt.Instantiate(ctx, asset)
	require.NoError(t, err)
	second, err := rt.Instantiate(ctx, asset)
	require.NoError(t, err)
	assert.Same(t, first, second, "re-instantiating must return the live session")
}

func TestRuntime_InstantiateUnknownDriver(t *testing.T) {
	rt := newTestRuntime(t)
	asset := simAsset("lh-01")
	asset.Driver = "opentrons"

	_, err := rt.Instantiate(context.Background(), asset)
	assert.Error(t, err)
}

func TestRuntime_SnapshotRestore(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.Instantiate(ctx, simAsset("lh-01"))
	require.NoError(t, err)

	snap, err := rt.Snapshot(ctx, "lh-01")
	require.NoError(t, err)
	assert.Equal(t, 500.0, snap["volume_ul"])

	require.NoError(t, rt.Restore(ctx, "lh-01", map[string]any{"volume_ul": 42.0}))
	snap, err = rt.Snapshot(ctx, "lh-01")
	require.NoError(t, err)
	assert.Equal(t, 42.0, snap["volume_ul"])
}

func TestRuntime_NoSession(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Snapshot(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoSession)

	err = rt.Restore(context.Background(), "ghost", map[string]any{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRuntime_TeardownIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.Instantiate(ctx, simAsset("lh-01"))
	require.NoError(t, err)

	require.NoError(t, rt.Teardown(ctx, "lh-01"))
	require.NoError(t, rt.Teardown(ctx, "lh-01"))

	_, ok := rt.Session("lh-01")
	assert.False(t, ok)
}

func TestRuntime_TeardownAll(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	for _, id := range []string{"lh-01", "lh-02"} {
		_, err := rt.Instantiate(ctx, simAsset(id))
		require.NoError(t, err)
	}

	rt.TeardownAll(ctx)

	_, ok := rt.Session("lh-01")
	assert.False(t, ok)
	_, ok = rt.Session("lh-02")
	assert.False(t, ok)
}
