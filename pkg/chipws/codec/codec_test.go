package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct{ X, Y int }

type pointExtension struct{}

func (pointExtension) Tag() string { return "Point" }

func (pointExtension) Encode(v any) (any, bool) {
	p, ok := v.(point)
	if !ok {
		return nil, false
	}
	return map[string]any{TypeKey: "Point", "x": p.X, "y": p.Y}, true
}

func (pointExtension) Decode(obj map[string]any) (any, error) {
	return point{X: int(obj["x"].(float64)), Y: int(obj["y"].(float64))}, nil
}

func TestMarshalAppliesExtensions(t *testing.T) {
	c := Default()

	data, err := c.Marshal(map[string]any{
		"payload": []byte{1, 2},
		"label":   Nullable{},
		"plain":   "text",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"payload":{"_type":"bytes","value":"AQI="},"label":null,"plain":"text"}`, string(data))
}

func TestMarshalDoesNotMutateInput(t *testing.T) {
	c := Default()
	inner := []any{[]byte("a"), 1}
	in := map[string]any{"list": inner, "n": 2}

	_, err := c.Marshal(in)
	require.NoError(t, err)

	assert.Equal(t, []byte("a"), inner[0])
	assert.Equal(t, []any{[]byte("a"), 1}, in["list"])
}

func TestEncodeReturnsSameContainersWhenUnchanged(t *testing.T) {
	c := Default()
	in := map[string]any{"a": 1, "b": []any{"x"}}

	out := c.Encode(in).(map[string]any)
	out["c"] = 3
	assert.Contains(t, in, "c", "unchanged maps are not copied")
}

func TestUnmarshalRevivesTaggedObjects(t *testing.T) {
	c := New(BytesExtension{}, NullableExtension{}, pointExtension{})

	var out map[string]any
	err := c.Unmarshal([]byte(`{
		"data": {"_type": "bytes", "value": "aGk="},
		"none": {"_type": "Nullable"},
		"where": [{"_type": "Point", "x": 1, "y": 2}],
		"other": {"_type": "SomethingElse", "v": 1}
	}`), &out)
	require.NoError(t, err)

	assert.Equal(t, []byte("hi"), out["data"])
	assert.Equal(t, Nullable{}, out["none"])
	assert.Equal(t, []any{point{X: 1, Y: 2}}, out["where"])
	assert.Equal(t, map[string]any{"_type": "SomethingElse", "v": float64(1)}, out["other"])
}

func TestUnmarshalIntoAny(t *testing.T) {
	c := Default()

	var out any
	require.NoError(t, c.Unmarshal([]byte(`[{"_type":"bytes","value":"AA=="}]`), &out))
	assert.Equal(t, []any{[]byte{0}}, out)
}

func TestUnmarshalErrors(t *testing.T) {
	c := Default()

	var out map[string]any
	err := c.Unmarshal([]byte(`{"x": {"_type": "bytes", "value": 5}}`), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bytes")

	err = c.Unmarshal([]byte(`{not json`), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codec: unmarshal")
}

func TestRoundTripWithCustomExtension(t *testing.T) {
	c := New(pointExtension{})

	data, err := c.Marshal([]any{point{X: 3, Y: 4}})
	require.NoError(t, err)

	var out any
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, []any{point{X: 3, Y: 4}}, out)
}
