package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/chipws/pkg/chipws/codec"
	"github.com/tsarna/chipws/pkg/chipws/dispatch"
	"github.com/tsarna/chipws/pkg/chipws/protocol"
	"github.com/tsarna/chipws/pkg/chipws/storage"
)

const testSetupCode = "3497-011-2337"

func newTestController(t *testing.T, delay time.Duration) (*Controller, *dispatch.Router) {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "chipws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := New().
		WithStore(store).
		WithLogger(zaptest.NewLogger(t)).
		WithCommissionDelay(delay).
		Build()
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	r, err := dispatch.NewRouter().WithNamespace(c.Namespace()).Build()
	require.NoError(t, err)
	return c, r
}

func call(t *testing.T, r *dispatch.Router, method string, args map[string]any) dispatch.Outcome {
	t.Helper()
	return r.Dispatch(context.Background(), NamespaceName+"."+method, args)
}

func commission(t *testing.T, r *dispatch.Router, label string) uint64 {
	t.Helper()
	out := call(t, r, "CommissionWithCode", map[string]any{"setupPayload": testSetupCode, "label": label})
	require.True(t, out.OK(), "%v", out.Failure)
	return out.Value.(uint64)
}

func TestBuilderRequiresStore(t *testing.T) {
	_, err := New().Build()
	assert.Error(t, err)
}

func TestGetFabricID(t *testing.T) {
	c, r := newTestController(t, 0)

	out := call(t, r, "GetFabricId", nil)
	require.True(t, out.OK())
	assert.Equal(t, c.FabricID(), out.Value)
	assert.NotZero(t, out.Value)

	out = call(t, r, "GetFabricId", map[string]any{"unexpected": true})
	assert.Equal(t, protocol.ErrorCodeUnknown, out.ErrorCode())
}

func TestStartListeningFollowsState(t *testing.T) {
	c, r := newTestController(t, 0)
	assert.Equal(t, StateIdle, c.State())

	label := func() any {
		out := r.Dispatch(context.Background(), dispatch.StartListening, nil)
		return out.Value.(map[string]any)["state"].(map[string]any)[NamespaceName].(map[string]any)["state"]
	}
	assert.Equal(t, "IDLE", label())

	require.True(t, call(t, r, "BleScan", nil).OK())
	assert.Equal(t, "BLE_READY", label())

	require.True(t, call(t, r, "CloseBLEConnection", nil).OK())
	assert.Equal(t, "IDLE", label())

	c.Shutdown()
	assert.Equal(t, "NOT_INITIALIZED", label())
}

func TestCommissionWithCode(t *testing.T) {
	_, r := newTestController(t, 0)

	out := call(t, r, "CommissionWithCode", map[string]any{"setupPayload": "3497-011-2332"})
	assert.Equal(t, ErrCodeInvalidSetupCode, out.ErrorCode())

	first := commission(t, r, "kitchen")
	second := commission(t, r, "hall")
	assert.NotEqual(t, first, second)

	out = call(t, r, "CommissionWithCode", map[string]any{"setupPayload": testSetupCode, "nodeid": float64(42)})
	require.True(t, out.OK())
	assert.Equal(t, uint64(42), out.Value)

	out = call(t, r, "GetNodes", nil)
	require.True(t, out.OK())
	assert.Equal(t, []any{first, second, uint64(42)}, out.Value)
}

func TestCommissionWalksStates(t *testing.T) {
	c, r := newTestController(t, 100*time.Millisecond)

	done := make(chan dispatch.Outcome, 1)
	go func() {
		done <- call(t, r, "CommissionWithCode", map[string]any{"setupPayload": testSetupCode})
	}()

	assert.Eventually(t, func() bool { return c.State() == StateRendezvousOngoing }, time.Second, 5*time.Millisecond)

	busy := call(t, r, "BleScan", nil)
	assert.Equal(t, ErrCodeBusy, busy.ErrorCode())

	busy = call(t, r, "CommissionWithCode", map[string]any{"setupPayload": testSetupCode})
	assert.Equal(t, ErrCodeBusy, busy.ErrorCode())

	assert.Eventually(t, func() bool { return c.State() == StateRendezvousConnected }, time.Second, 5*time.Millisecond)

	select {
	case out := <-done:
		assert.True(t, out.OK())
	case <-time.After(2 * time.Second):
		t.Fatal("commissioning did not finish")
	}
	assert.Equal(t, StateIdle, c.State())
}

func TestGetNode(t *testing.T) {
	_, r := newTestController(t, 0)
	id := commission(t, r, "lamp")

	out := call(t, r, "GetNode", map[string]any{"nodeid": float64(id)})
	require.True(t, out.OK(), "%v", out.Failure)

	node := out.Value.(map[string]any)
	assert.Equal(t, TypeNodeInfo, node["_type"])
	assert.Equal(t, "lamp", node["label"])
	assert.Equal(t, map[string]any{
		"BasicInformation":       uint32(0x0028),
		"OnOff":                  uint32(0x0006),
		"LevelControl":           uint32(0x0008),
		"OperationalCredentials": uint32(0x003E),
	}, node["clusters"])

	out = call(t, r, "GetNode", map[string]any{"nodeid": float64(999)})
	assert.Equal(t, ErrCodeNodeNotFound, out.ErrorCode())
}

func TestReadAttribute(t *testing.T) {
	_, r := newTestController(t, 0)
	id := commission(t, r, "lamp")

	out := call(t, r, "ReadAttribute", map[string]any{
		"nodeid":     float64(id),
		"attributes": []any{"OnOff", "LevelControl.CurrentLevel", "OperationalCredentials"},
	})
	require.True(t, out.OK(), "%v", out.Failure)

	result := out.Value.(map[string]any)
	assert.Equal(t, TypeReadResult, result["_type"])
	attrs := result["attributes"].(map[string]any)
	assert.Len(t, attrs, 3)
	assert.Equal(t, map[string]any{"OnOff": false}, attrs["OnOff"])
	assert.Equal(t, map[string]any{"CurrentLevel": codec.Nullable{}}, attrs["LevelControl"])

	roots := attrs["OperationalCredentials"].(map[string]any)["TrustedRootCertificates"].([]any)
	require.Len(t, roots, 1)
	assert.Len(t, roots[0], 16)

	data, err := protocol.MarshalSuccess(codec.Default(), &protocol.Request{MessageID: protocol.MessageID(`1`)}, out.Value)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"CurrentLevel":null`)
	assert.Contains(t, string(data), `"_type":"bytes"`)
	assert.Contains(t, string(data), `"_type":"`+TypeReadResult+`"`)

	out = call(t, r, "ReadAttribute", map[string]any{"nodeid": float64(id)})
	require.True(t, out.OK())
	all := out.Value.(map[string]any)["attributes"].(map[string]any)
	assert.Equal(t, "chipws", all["BasicInformation"].(map[string]any)["VendorName"])
	assert.Equal(t, uint64(DefaultVendorID), all["BasicInformation"].(map[string]any)["VendorID"])

	out = call(t, r, "ReadAttribute", map[string]any{"nodeid": float64(id), "attributes": []any{"Thermostat"}})
	assert.Equal(t, ErrCodeUnsupportedAttribute, out.ErrorCode())

	out = call(t, r, "ReadAttribute", map[string]any{"nodeid": float64(id + 100)})
	assert.Equal(t, ErrCodeNodeNotFound, out.ErrorCode())
}

func TestWriteAttribute(t *testing.T) {
	_, r := newTestController(t, 0)
	id := commission(t, r, "lamp")
	nodeID := float64(id)

	write := func(attr string, value any) dispatch.Outcome {
		return call(t, r, "WriteAttribute", map[string]any{"nodeid": nodeID, "attribute": attr, "value": value})
	}

	out := write("OnOff.OnOff", true)
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, TypeWriteResult, out.Value.(map[string]any)["_type"])

	out = write("LevelControl.CurrentLevel", float64(128))
	require.True(t, out.OK(), "%v", out.Failure)

	out = write("BasicInformation.NodeLabel", "porch")
	require.True(t, out.OK())

	read := call(t, r, "ReadAttribute", map[string]any{"nodeid": nodeID, "attributes": []any{"OnOff.OnOff", "LevelControl.CurrentLevel"}})
	require.True(t, read.OK())
	attrs := read.Value.(map[string]any)["attributes"].(map[string]any)
	assert.Equal(t, true, attrs["OnOff"].(map[string]any)["OnOff"])
	assert.Equal(t, uint64(128), attrs["LevelControl"].(map[string]any)["CurrentLevel"])

	node := call(t, r, "GetNode", map[string]any{"nodeid": nodeID})
	assert.Equal(t, "porch", node.Value.(map[string]any)["label"])

	out = write("LevelControl.CurrentLevel", codec.Nullable{})
	assert.True(t, out.OK())

	assert.Equal(t, ErrCodeConstraintError, write("LevelControl.CurrentLevel", float64(300)).ErrorCode())
	assert.Equal(t, ErrCodeConstraintError, write("OnOff.OnOff", "yes").ErrorCode())
	assert.Equal(t, ErrCodeConstraintError, write("OnOff.OnOff", nil).ErrorCode())
	assert.Equal(t, ErrCodeUnsupportedWrite, write("BasicInformation.VendorName", "x").ErrorCode())
	assert.Equal(t, ErrCodeUnsupportedAttribute, write("OnOff", true).ErrorCode())
	assert.Equal(t, ErrCodeUnsupportedAttribute, write("Nope.Nope", true).ErrorCode())

	nodeID = 12345
	assert.Equal(t, ErrCodeNodeNotFound, write("OnOff.OnOff", true).ErrorCode())
}

func TestRemoveNode(t *testing.T) {
	_, r := newTestController(t, 0)
	id := commission(t, r, "lamp")

	require.True(t, call(t, r, "RemoveNode", map[string]any{"nodeid": float64(id)}).OK())
	assert.Equal(t, ErrCodeNodeNotFound, call(t, r, "GetNode", map[string]any{"nodeid": float64(id)}).ErrorCode())
	assert.Equal(t, ErrCodeNodeNotFound, call(t, r, "RemoveNode", map[string]any{"nodeid": float64(id)}).ErrorCode())
}

func TestShutdownRejectsCalls(t *testing.T) {
	c, r := newTestController(t, time.Hour)

	done := make(chan dispatch.Outcome, 1)
	go func() {
		done <- call(t, r, "CommissionWithCode", map[string]any{"setupPayload": testSetupCode})
	}()
	assert.Eventually(t, func() bool { return c.State() == StateRendezvousOngoing }, time.Second, 5*time.Millisecond)

	c.Shutdown()
	c.Shutdown()

	select {
	case out := <-done:
		assert.Equal(t, ErrCodeNotInitialized, out.ErrorCode())
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight commissioning was not stopped")
	}

	assert.Equal(t, StateNotInitialized, c.State())
	assert.Equal(t, ErrCodeNotInitialized, call(t, r, "GetNodes", nil).ErrorCode())
}

func TestPrivateMethodsAreNotRoutable(t *testing.T) {
	_, r := newTestController(t, 0)

	for _, m := range []string{"_commission", "commission", "getNodes", "State"} {
		assert.Equal(t, protocol.ErrorCodeInvalidCommand, call(t, r, m, nil).ErrorCode(), m)
	}
}
