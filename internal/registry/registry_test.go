package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcsfleet/control/internal/host"
)

func newTestHostFor(name, node string, dcsPort, webguiPort int) *host.Host {
	return host.New(name, node, "instance-1", dcsPort, 6666, webguiPort)
}

func TestRegister_OrderedAndRetrievable(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestHostFor("alpha", "node-1", 10308, 8088)))
	require.NoError(t, r.Register(newTestHostFor("bravo", "node-1", 10309, 8089)))

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "bravo", all[1].Name)

	h, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", h.Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegister_PortConflictSameNode(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestHostFor("alpha", "node-1", 10308, 8088)))

	err := r.Register(newTestHostFor("bravo", "node-1", 10308, 8089))
	assert.Error(t, err, "same dcsPort on same node should conflict")

	err = r.Register(newTestHostFor("charlie", "node-1", 10310, 8088))
	assert.Error(t, err, "same webguiPort on same node should conflict")
}

func TestRegister_NoConflictAcrossNodes(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestHostFor("alpha", "node-1", 10308, 8088)))
	err := r.Register(newTestHostFor("bravo", "node-2", 10308, 8088))
	assert.NoError(t, err, "identical ports on a different node are not a conflict")
}

func TestRegister_ReRegisterSameNameDoesNotDuplicateOrder(t *testing.T) {
	r := New()
	h := newTestHostFor("alpha", "node-1", 10308, 8088)
	require.NoError(t, r.Register(h))
	require.NoError(t, r.Register(h))
	assert.Len(t, r.All(), 1)
}

func TestRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestHostFor("alpha", "node-1", 10308, 8088)))
	require.NoError(t, r.Register(newTestHostFor("bravo", "node-1", 10309, 8089)))

	r.Remove("alpha")
	_, ok := r.Get("alpha")
	assert.False(t, ok)
	assert.Len(t, r.All(), 1)
	assert.Equal(t, "bravo", r.All()[0].Name)
}

func TestRename(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestHostFor("alpha", "node-1", 10308, 8088)))
	require.NoError(t, r.Register(newTestHostFor("bravo", "node-1", 10309, 8089)))

	require.NoError(t, r.Rename("alpha", "alpha-2"))

	_, ok := r.Get("alpha")
	assert.False(t, ok)
	h, ok := r.Get("alpha-2")
	require.True(t, ok)
	assert.Equal(t, "alpha-2", h.Name)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha-2", all[0].Name, "rename preserves iteration position")
}

func TestRename_CollisionRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestHostFor("alpha", "node-1", 10308, 8088)))
	require.NoError(t, r.Register(newTestHostFor("bravo", "node-1", 10309, 8089)))

	err := r.Rename("alpha", "bravo")
	assert.Error(t, err)
}

func TestRename_MissingSource(t *testing.T) {
	r := New()
	err := r.Rename("missing", "new-name")
	assert.Error(t, err)
}

func TestForNode(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestHostFor("alpha", "node-1", 10308, 8088)))
	require.NoError(t, r.Register(newTestHostFor("bravo", "node-2", 10308, 8088)))

	got := r.ForNode("node-1")
	require.Len(t, got, 1)
	assert.Equal(t, "alpha", got[0].Name)
}

func TestUnregisterNode(t *testing.T) {
	r := New()
	a := newTestHostFor("alpha", "node-1", 10308, 8088)
	require.NoError(t, r.Register(a))
	require.NoError(t, a.Apply(host.EventRegister))
	assert.Equal(t, host.Loading, a.Status())

	r.UnregisterNode("node-1")
	assert.Equal(t, host.Unregistered, a.Status())
}
