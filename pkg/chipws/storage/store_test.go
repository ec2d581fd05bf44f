package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "chipws.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestFabricIDIsStable(t *testing.T) {
	s, path := openTestStore(t)

	id, err := s.FabricID()
	require.NoError(t, err)
	assert.NotZero(t, id)

	again, err := s.FabricID()
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, s.Close())
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	persisted, err := reopened.FabricID()
	require.NoError(t, err)
	assert.Equal(t, id, persisted)
}

func TestNodeCRUD(t *testing.T) {
	s, _ := openTestStore(t)

	first, err := s.NextNodeID()
	require.NoError(t, err)
	second, err := s.NextNodeID()
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutNode(NodeRecord{
		NodeID:         second,
		Label:          "lamp",
		VendorID:       0xFFF1,
		ProductID:      0x8000,
		CommissionedAt: when,
		Attributes: map[string]map[string]any{
			"OnOff": {"OnOff": true},
		},
	}))
	require.NoError(t, s.PutNode(NodeRecord{NodeID: first, Label: "switch"}))

	got, err := s.GetNode(second)
	require.NoError(t, err)
	assert.Equal(t, "lamp", got.Label)
	assert.Equal(t, uint16(0xFFF1), got.VendorID)
	assert.True(t, when.Equal(got.CommissionedAt))
	assert.Equal(t, true, got.Attributes["OnOff"]["OnOff"])

	nodes, err := s.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, first, nodes[0].NodeID)
	assert.Equal(t, second, nodes[1].NodeID)

	require.NoError(t, s.DeleteNode(first))
	_, err = s.GetNode(first)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
	assert.True(t, errors.Is(s.DeleteNode(first), ErrNodeNotFound))
}

func TestNodesEmpty(t *testing.T) {
	s, _ := openTestStore(t)

	nodes, err := s.Nodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
