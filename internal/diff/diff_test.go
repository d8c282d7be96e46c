package diff

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeEqualValuesIsEmpty(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]any{
		"object": map[string]any{"a": 1, "b": map[string]any{"c": []any{1, "x"}}},
		"array":  []any{map[string]any{"item": "value"}, 2},
		"string": "same",
		"number": 42,
		"bool":   true,
		"date":   at,
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, Compute(value, value))
		})
	}

	t.Run("date in other zone", func(t *testing.T) {
		assert.Nil(t, Compute(at, at.In(time.FixedZone("x", 3600))))
	})
	t.Run("numbers across kinds", func(t *testing.T) {
		assert.Nil(t, Compute(map[string]any{"n": 3}, map[string]any{"n": float64(3)}))
	})
}

func TestComputeRoot(t *testing.T) {
	assert.Nil(t, Compute(nil, nil))

	created := Compute(nil, map[string]any{"name": "x"})
	require.NotNil(t, created.Change)
	assert.Equal(t, Created, created.Change.Kind)
	assert.True(t, created.IsRootCreate())

	deleted := Compute(map[string]any{"name": "x"}, nil)
	require.NotNil(t, deleted.Change)
	assert.Equal(t, Deleted, deleted.Change.Kind)
}

func TestComputeObjectKeepsOnlyChangedChildren(t *testing.T) {
	before := map[string]any{
		"same":    "v",
		"changed": "old",
		"gone":    1,
		"nested":  map[string]any{"keep": true, "flip": false},
	}
	after := map[string]any{
		"same":    "v",
		"changed": "new",
		"added":   "x",
		"nested":  map[string]any{"keep": true, "flip": true},
	}

	d := Compute(before, after)
	require.NotNil(t, d)
	assert.Equal(t, []string{"added", "changed", "gone", "nested"}, d.Keys())
	assert.Equal(t, &Change{Kind: Updated, Data: "old", NewData: "new"}, d.Field("changed").Change)
	assert.Equal(t, &Change{Kind: Created, Data: "x"}, d.Field("added").Change)
	assert.Equal(t, &Change{Kind: Deleted, Data: 1}, d.Field("gone").Change)
	nested := d.Field("nested")
	require.NotNil(t, nested)
	assert.Len(t, nested.Fields, 1)
	assert.Equal(t, &Change{Kind: Updated, Data: false, NewData: true}, nested.Field("flip").Change)
}

func TestComputeExplicitNullIsAValue(t *testing.T) {
	d := Compute(map[string]any{"a": "x"}, map[string]any{"a": nil})
	require.NotNil(t, d)
	assert.Equal(t, &Change{Kind: Updated, Data: "x", NewData: nil}, d.Field("a").Change)

	d = Compute(map[string]any{}, map[string]any{"a": nil})
	require.NotNil(t, d)
	assert.Equal(t, Created, d.Field("a").Change.Kind)
}

func TestComputeArrayIsSparse(t *testing.T) {
	before := map[string]any{"array": []any{map[string]any{"item": "old"}, "b", "c"}}
	after := map[string]any{"array": []any{map[string]any{"item": "value"}, "b"}}

	d := Compute(before, after)
	arr := d.Field("array")
	require.NotNil(t, arr)
	require.Len(t, arr.Items, 2)

	assert.Equal(t, 0, arr.Items[0].Index)
	assert.Equal(t, &Change{Kind: Updated, Data: "old", NewData: "value"}, arr.Items[0].Delta.Field("item").Change)
	assert.Equal(t, 2, arr.Items[1].Index)
	assert.Equal(t, &Change{Kind: Deleted, Data: "c"}, arr.Items[1].Delta.Change)
}

func TestComputeKindMismatchReplacesWholeValue(t *testing.T) {
	d := Compute(map[string]any{"v": map[string]any{"a": 1}}, map[string]any{"v": []any{1}})
	require.NotNil(t, d.Field("v").Change)
	assert.Equal(t, Updated, d.Field("v").Change.Kind)

	d = Compute(map[string]any{"v": "1"}, map[string]any{"v": 1})
	require.NotNil(t, d.Field("v").Change)
	assert.Equal(t, Updated, d.Field("v").Change.Kind)
}

func TestComputeDoesNotMutateInputs(t *testing.T) {
	before := map[string]any{"a": []any{1, 2}, "b": map[string]any{"c": 1}}
	after := map[string]any{"a": []any{1}, "b": map[string]any{"c": 2}}
	_ = Compute(before, after)
	assert.Equal(t, map[string]any{"a": []any{1, 2}, "b": map[string]any{"c": 1}}, before)
	assert.Equal(t, map[string]any{"a": []any{1}, "b": map[string]any{"c": 2}}, after)
}

func TestKeysOfRootChange(t *testing.T) {
	d := Compute(nil, map[string]any{"name": "x", "id": "a1"})
	assert.Equal(t, []string{"id", "name"}, d.Keys())
	var empty *Delta
	assert.Empty(t, empty.Keys())
}

func TestDeltaWireFormat(t *testing.T) {
	d := Compute(
		map[string]any{"name": "x", "tags": []any{"a"}, "gone": true},
		map[string]any{"name": "y", "tags": []any{"a", "b"}},
	)
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": {"$change": "updated", "data": "x", "newData": "y"},
		"tags": [{"index": 1, "data": {"$change": "created", "data": "b"}}],
		"gone": {"$change": "deleted", "data": true}
	}`, string(raw))

	var decoded Delta
	require.NoError(t, json.Unmarshal(raw, &decoded))
	again, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
	assert.Equal(t, []string{"gone", "name", "tags"}, decoded.Keys())
}

func TestDeltaUnmarshalRejectsUnknownChange(t *testing.T) {
	var d Delta
	err := json.Unmarshal([]byte(`{"$change": "moved", "data": 1}`), &d)
	assert.Error(t, err)
}

func TestDeltaFieldNamedChangeKeyRoundTrips(t *testing.T) {
	d := Compute(map[string]any{"$change": "a", "n": 1}, map[string]any{"$change": "b", "n": 1})
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$change": {"$change": "updated", "data": "a", "newData": "b"}}`, string(raw))

	var decoded Delta
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Nil(t, decoded.Change)
	child := decoded.Field("$change")
	require.NotNil(t, child)
	require.NotNil(t, child.Change)
	assert.Equal(t, Updated, child.Change.Kind)
	assert.Equal(t, "b", child.Change.NewData)
}
