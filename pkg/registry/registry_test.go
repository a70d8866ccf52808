package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoblock/pkg/backend/memory"
)

func newTestExport(t *testing.T, size int64) (*Registry, *Export) {
	t.Helper()
	reg := NewRegistry()
	bk, err := memory.NewMemoryBackend(context.Background(), 1<<20)
	require.NoError(t, err)
	exp, err := reg.NewExport(context.Background(), ExportConfig{
		Backend: bk,
		Size:    size,
	})
	require.NoError(t, err)
	return reg, exp
}

func TestNewExportDerivesSizeFromBackend(t *testing.T) {
	_, exp := newTestExport(t, -1)
	assert.Equal(t, uint64(1<<20), exp.Size())
	assert.Equal(t, 1, exp.Refs())
	exp.Put()
}

func TestNewExportRoundsToSectorGranularity(t *testing.T) {
	_, exp := newTestExport(t, 1000)
	assert.Equal(t, uint64(512), exp.Size())
	exp.Put()
}

func TestSetNameReferenceDance(t *testing.T) {
	reg, exp := newTestExport(t, -1)

	require.NoError(t, reg.SetName(exp, "disk0"))
	assert.Equal(t, 2, exp.Refs(), "registration holds a reference")

	// Setting the current name again changes nothing.
	require.NoError(t, reg.SetName(exp, "disk0"))
	assert.Equal(t, 2, exp.Refs())

	// Renaming swaps the registration without a net reference change.
	require.NoError(t, reg.SetName(exp, "disk1"))
	assert.Equal(t, 2, exp.Refs())
	assert.Nil(t, reg.Find("disk0"))

	found := reg.Find("disk1")
	require.NotNil(t, found)
	assert.Same(t, exp, found)
	assert.Equal(t, 3, exp.Refs(), "Find hands the caller a reference")
	found.Put()

	reg.ClearName(exp)
	assert.Equal(t, 1, exp.Refs())
	assert.Nil(t, reg.Find("disk1"))

	exp.Put()
}

func TestSetNameRejectsDuplicates(t *testing.T) {
	reg, exp1 := newTestExport(t, -1)
	bk, err := memory.NewMemoryBackend(context.Background(), 1<<20)
	require.NoError(t, err)
	exp2, err := reg.NewExport(context.Background(), ExportConfig{Backend: bk, Size: -1})
	require.NoError(t, err)

	require.NoError(t, reg.SetName(exp1, "disk0"))
	assert.Error(t, reg.SetName(exp2, "disk0"))

	exp2.Put()
	reg.CloseAll()
	exp1.Put()
}

func TestNamesInPublicationOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		bk, err := memory.NewMemoryBackend(context.Background(), 1<<20)
		require.NoError(t, err)
		exp, err := reg.NewExport(context.Background(), ExportConfig{Backend: bk, Size: -1})
		require.NoError(t, err)
		require.NoError(t, reg.SetName(exp, name))
		exp.Put()
	}

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, reg.Names())
	reg.CloseAll()
	assert.Empty(t, reg.Names())
}

// fakeClient models a connection holding an export reference that it drops
// during its own teardown.
type fakeClient struct {
	exp    *Export
	closed bool
}

func (c *fakeClient) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.exp.RemoveClient(c)
	c.exp.Put()
}

func TestCloseClosesAttachedClientsAndDrains(t *testing.T) {
	reg, exp := newTestExport(t, -1)

	var closeFired bool
	exp.closeFn = func() { closeFired = true }

	require.NoError(t, reg.SetName(exp, "disk0"))

	clients := make([]*fakeClient, 3)
	for i := range clients {
		clients[i] = &fakeClient{exp: exp}
		exp.Get()
		require.NoError(t, exp.AddClient(clients[i]))
	}
	assert.Equal(t, 5, exp.Refs())

	// Creator drops its reference; the registry and clients keep it alive.
	exp.Put()
	assert.Equal(t, 4, exp.Refs())
	assert.False(t, closeFired)

	exp.Close()
	for _, c := range clients {
		assert.True(t, c.closed)
	}
	assert.True(t, closeFired, "close callback runs once references drain")
	assert.Nil(t, reg.Find("disk0"))
}

func TestAddClientAfterCloseFails(t *testing.T) {
	reg, exp := newTestExport(t, -1)
	require.NoError(t, reg.SetName(exp, "disk0"))
	exp.Put()

	reg.CloseAll()
	assert.Error(t, exp.AddClient(&fakeClient{exp: exp}))
}

func TestCloseAllRunsCloseCallbacks(t *testing.T) {
	reg := NewRegistry()
	fired := 0
	for _, name := range []string{"a", "b"} {
		bk, err := memory.NewMemoryBackend(context.Background(), 1<<20)
		require.NoError(t, err)
		exp, err := reg.NewExport(context.Background(), ExportConfig{
			Backend: bk,
			Size:    -1,
			OnClose: func() { fired++ },
		})
		require.NoError(t, err)
		require.NoError(t, reg.SetName(exp, name))
		exp.Put()
	}

	reg.CloseAll()
	assert.Equal(t, 2, fired)
}

func TestAttachGate(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	bk, err := memory.NewMemoryBackend(ctx, 1<<20)
	require.NoError(t, err)
	exp, err := reg.NewExport(ctx, ExportConfig{Backend: bk, Size: -1})
	require.NoError(t, err)
	defer exp.Put()

	// Attached from the start.
	require.NoError(t, exp.WaitAttached(ctx))

	bk.DetachContext()
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, exp.WaitAttached(waitCtx), "dispatch blocks while detached")

	released := make(chan error, 1)
	go func() { released <- exp.WaitAttached(ctx) }()
	bk.AttachContext()

	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("attach did not release waiters")
	}
}

func TestCloseReleasesGateWaiters(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	bk, err := memory.NewMemoryBackend(ctx, 1<<20)
	require.NoError(t, err)
	exp, err := reg.NewExport(ctx, ExportConfig{Backend: bk, Size: -1})
	require.NoError(t, err)

	bk.DetachContext()
	released := make(chan error, 1)
	go func() { released <- exp.WaitAttached(ctx) }()

	exp.Close()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("close did not release gate waiters")
	}
	exp.Put()
}
