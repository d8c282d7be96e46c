package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderYAML = `
name: order
type: object
properties:
  title:
    type: string
  customer:
    type: object
    relator:
      collection: customer
      mappings:
        - from: name
          to: customerName
        - from: email
          sync: false
    properties:
      id: {type: string}
      customerName: {type: string}
      vip: {type: boolean}
  lines:
    type: array
    items:
      type: object
      properties:
        product:
          join:
            collection: product
            sync: false
            mappings:
              - from: price
                to: price
          properties:
            price: {type: number}
        note:
          type: string
          ignoreHistory: true
  audit:
    type: object
    ignoreHistory: [touchedAt, touchedBy]
    properties:
      touchedAt: {type: string}
      touchedBy: {type: string}
`

func parseOrder(t *testing.T) *Definition {
	t.Helper()
	def, err := ParseDocument([]byte(orderYAML), "fallback")
	require.NoError(t, err)
	return def
}

func TestParseBuildsTaggedKinds(t *testing.T) {
	def := parseOrder(t)
	assert.Equal(t, "order", def.Name)
	assert.Equal(t, KindObject, def.Root.Kind)
	assert.Equal(t, KindScalar, def.Root.Properties["title"].Kind)
	assert.Equal(t, KindRelator, def.Root.Properties["customer"].Kind)
	lines := def.Root.Properties["lines"]
	assert.Equal(t, KindArray, lines.Kind)
	require.NotNil(t, lines.Items)
	assert.Equal(t, KindRelator, lines.Items.Properties["product"].Kind, "join marker is a relator too")
}

func TestExtractAssociationDetails(t *testing.T) {
	def := parseOrder(t)
	details := ExtractAssociationDetails(def)
	require.Len(t, details, 2)

	customer := details[0]
	assert.Equal(t, "customer", customer.SourceType)
	assert.Equal(t, "order", customer.TargetType)
	assert.Equal(t, "customer", customer.TargetPath)
	assert.Equal(t, "customer", customer.OriginalPath)
	require.Len(t, customer.Mappings, 2)
	assert.Equal(t, "customerName", customer.Mappings[0].To)
	assert.Equal(t, "email", customer.Mappings[1].To, "to defaults to from")
	assert.False(t, customer.Mappings[1].Synced())
	assert.Nil(t, customer.Sync)

	product := details[1]
	assert.Equal(t, "product", product.SourceType)
	assert.Equal(t, "lines.product", product.TargetPath)
	assert.Equal(t, "lines[].product", product.OriginalPath)
	assert.True(t, product.Unsynced())
}

func TestExtractIsDeterministic(t *testing.T) {
	def := parseOrder(t)
	first := ExtractAssociationDetails(def)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ExtractAssociationDetails(def))
	}
}

func TestIgnoreHistoryPathsUnderArray(t *testing.T) {
	def, err := Parse("thing", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"array": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"nested": map[string]any{"type": "string", "ignoreHistory": true},
					},
				},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"array.nested"}, IgnoreHistoryPaths(def))
}

func TestIgnoreHistoryPathsNamedChildren(t *testing.T) {
	def := parseOrder(t)
	assert.Equal(t, []string{"audit.touchedAt", "audit.touchedBy", "lines.note"}, IgnoreHistoryPaths(def))
}

func TestRelatorFieldNames(t *testing.T) {
	def := parseOrder(t)
	assert.Equal(t, []string{"customerName", "id", "vip"}, def.RelatorFieldNames("customer"))
	assert.Equal(t, []string{"price"}, def.RelatorFieldNames("lines[].product"))
	assert.Nil(t, def.RelatorFieldNames("lines.product"))
}

func TestDefinitionDetailLookup(t *testing.T) {
	def := parseOrder(t)
	detail, ok := def.Detail("lines.product", "product")
	require.True(t, ok)
	assert.Equal(t, "lines[].product", detail.OriginalPath)

	_, ok = def.Detail("lines.product", "customer")
	assert.False(t, ok)
}

func TestParseRejectsBrokenMarkers(t *testing.T) {
	cases := map[string]map[string]any{
		"missing collection": {"properties": map[string]any{"a": map[string]any{"relator": map[string]any{}}}},
		"mapping without from": {"properties": map[string]any{"a": map[string]any{"relator": map[string]any{
			"collection": "x", "mappings": []any{map[string]any{"to": "y"}},
		}}}},
		"bad ignore": {"properties": map[string]any{"a": map[string]any{"ignoreHistory": "yes"}}},
		"not object": {"type": "string"},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("x", raw)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestPathRendering(t *testing.T) {
	p := Path{}.Child("lines").Child(itemsMarker).Child("product")
	assert.Equal(t, "lines[].product", p.Original())
	assert.Equal(t, "lines.product", p.Target())
}
