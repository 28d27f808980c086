package shape

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    []Kind
		wantErr bool
	}{
		{name: "empty", raw: "", want: nil},
		{name: "kind name", raw: `"string"`, want: []Kind{KindString}},
		{name: "schema object", raw: `{"type":"object"}`, want: []Kind{KindSchema}},
		{name: "tuple", raw: `["string",{"type":"object"},"image"]`, want: []Kind{KindString, KindSchema, KindImage}},
		{name: "unknown kind", raw: `"blob"`, wantErr: true},
		{name: "nested tuple", raw: `[["string"]]`, wantErr: true},
		{name: "number literal", raw: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var raw json.RawMessage
			if tt.raw != "" {
				raw = json.RawMessage(tt.raw)
			}
			got, err := ParseOutputSpec(raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			kinds := make([]Kind, 0, len(got))
			for _, d := range got {
				kinds = append(kinds, d.Kind)
			}
			if tt.want == nil {
				assert.Empty(t, kinds)
				return
			}
			assert.Equal(t, tt.want, kinds)
		})
	}
}

func textOf(t *testing.T, c mcp.Content) string {
	t.Helper()
	tc, ok := c.(mcp.TextContent)
	require.True(t, ok, "expected a text block, got %T", c)
	return tc.Text
}

func TestShape_StringPrimitive(t *testing.T) {
	t.Parallel()

	res := Shape(context.Background(), []Descriptor{{Kind: KindString}}, "hello")
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hello", textOf(t, res.Content[0]))
	assert.Nil(t, res.StructuredContent, "plain strings carry no structured content")
}

func TestShape_ScalarsMirrorUnderContent(t *testing.T) {
	t.Parallel()

	res := Shape(context.Background(), []Descriptor{{Kind: KindNumber}}, 12.5)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "12.5", textOf(t, res.Content[0]))
	assert.Equal(t, map[string]any{"content": 12.5}, res.StructuredContent)

	res = Shape(context.Background(), []Descriptor{{Kind: KindBoolean}}, true)
	assert.Equal(t, map[string]any{"content": true}, res.StructuredContent)
	assert.Equal(t, "true", textOf(t, res.Content[0]))
}

func TestShape_MalformedMediaEmitsNothing(t *testing.T) {
	t.Parallel()

	res := Shape(context.Background(), []Descriptor{{Kind: KindImage}}, map[string]any{"data": "zzz"})
	assert.Empty(t, res.Content, "image without a mime type is silently dropped")
	assert.Nil(t, res.StructuredContent)

	res = Shape(context.Background(), []Descriptor{{Kind: KindImage}}, map[string]any{
		"data": "aGk=", "mimeType": "image/png",
	})
	require.Len(t, res.Content, 1)
	img, ok := res.Content[0].(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)
}

func TestShape_SchemaDescriptorSanitizes(t *testing.T) {
	t.Parallel()

	descriptors := []Descriptor{{Kind: KindSchema, Schema: json.RawMessage(`{"type":"object"}`)}}
	raw := map[string]any{
		"data":        "ok",
		"__proto__":   map[string]any{"polluted": true},
		"constructor": "bad",
	}

	res := Shape(context.Background(), descriptors, raw)
	assert.Equal(t, map[string]any{"data": "ok"}, res.StructuredContent)

	require.Len(t, res.Content, 1)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res.Content[0])), &parsed))
	assert.Equal(t, map[string]any{"data": "ok"}, parsed)
}

// Shaping a schema-typed value is a projection: shaping an already-shaped
// value yields the same structured content.
func TestShape_SchemaShapingIsProjection(t *testing.T) {
	t.Parallel()

	descriptors := []Descriptor{{Kind: KindSchema, Schema: json.RawMessage(`{"type":"object"}`)}}
	raw := map[string]any{"a": 1.0, "b": []any{"x", "y"}, "constructor": "drop"}

	once := Shape(context.Background(), descriptors, raw)
	twice := Shape(context.Background(), descriptors, once.StructuredContent)
	assert.Equal(t, once.StructuredContent, twice.StructuredContent)
}

func TestShape_TupleNumericKeysWhenNonPrimitive(t *testing.T) {
	t.Parallel()

	descriptors := []Descriptor{
		{Kind: KindString},
		{Kind: KindSchema, Schema: json.RawMessage(`{"type":"object"}`)},
	}
	raw := []any{"label", map[string]any{"v": 1.0}}

	res := Shape(context.Background(), descriptors, raw)
	require.Len(t, res.Content, 2)
	require.NotNil(t, res.StructuredContent)
	assert.Equal(t, map[string]any{"v": 1.0}, res.StructuredContent["1"])
	assert.NotContains(t, res.StructuredContent, "content")
}

func TestShape_TupleAllPrimitivesWrapUnderContent(t *testing.T) {
	t.Parallel()

	descriptors := []Descriptor{{Kind: KindNumber}, {Kind: KindBoolean}}
	res := Shape(context.Background(), descriptors, []any{1.0, false})

	require.Len(t, res.Content, 2)
	assert.Equal(t, map[string]any{"content": []any{1.0, false}}, res.StructuredContent)
}

func TestShape_DateDescriptor(t *testing.T) {
	t.Parallel()

	res := Shape(context.Background(), []Descriptor{{Kind: KindDate}}, "2025-06-18T10:00:00Z")
	require.Len(t, res.Content, 1)
	assert.Equal(t, "2025-06-18T10:00:00Z", textOf(t, res.Content[0]))
	assert.Equal(t, map[string]any{"content": "2025-06-18T10:00:00Z"}, res.StructuredContent)
}

func TestShape_ResourceLink(t *testing.T) {
	t.Parallel()

	raw := map[string]any{"uri": "file:///tmp/x", "name": "x", "mimeType": "text/plain"}
	res := Shape(context.Background(), []Descriptor{{Kind: KindResourceLink}}, raw)
	require.Len(t, res.Content, 1)

	link, ok := res.Content[0].(mcp.ResourceLink)
	require.True(t, ok)
	assert.Equal(t, "file:///tmp/x", link.URI)

	missing := Shape(context.Background(), []Descriptor{{Kind: KindResourceLink}}, map[string]any{"uri": "file:///x"})
	assert.Empty(t, missing.Content, "a link without a name is dropped")
}

func TestShape_NoDescriptors(t *testing.T) {
	t.Parallel()

	res := Shape(context.Background(), nil, map[string]any{"ignored": true})
	assert.Empty(t, res.Content)
	assert.Nil(t, res.StructuredContent)
}
