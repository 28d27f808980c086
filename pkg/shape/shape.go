// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package shape turns raw tool return values into MCP tool results. A
// tool declares its output as one descriptor or a tuple of descriptors;
// shaping produces the content blocks and the sanitized structured
// content for the wire.
package shape

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/gantry-mcp/gantry/pkg/reqctx"
)

// Kind identifies an output descriptor.
type Kind string

const (
	KindString       Kind = "string"
	KindNumber       Kind = "number"
	KindBoolean      Kind = "boolean"
	KindDate         Kind = "date"
	KindImage        Kind = "image"
	KindAudio        Kind = "audio"
	KindResource     Kind = "resource"
	KindResourceLink Kind = "resource_link"
	// KindSchema descriptors carry a JSON schema the raw value is parsed
	// against.
	KindSchema Kind = "schema"
)

// Descriptor describes one element of a tool's output.
type Descriptor struct {
	Kind Kind
	// Schema holds the JSON schema for KindSchema descriptors.
	Schema json.RawMessage
}

// ParseOutputSpec reads a tool's declared output: a kind name, a schema
// object, or an array of either (a tuple).
func ParseOutputSpec(raw json.RawMessage) ([]Descriptor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("output spec: %w", err)
	}
	switch v := probe.(type) {
	case string:
		d, err := descriptorForName(v)
		if err != nil {
			return nil, err
		}
		return []Descriptor{d}, nil
	case map[string]any:
		return []Descriptor{{Kind: KindSchema, Schema: raw}}, nil
	case []any:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("output spec: %w", err)
		}
		out := make([]Descriptor, 0, len(items))
		for _, item := range items {
			sub, err := ParseOutputSpec(item)
			if err != nil {
				return nil, err
			}
			if len(sub) != 1 {
				return nil, fmt.Errorf("output spec: nested tuples are not supported")
			}
			out = append(out, sub[0])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("output spec: unsupported value %T", probe)
	}
}

func descriptorForName(name string) (Descriptor, error) {
	switch Kind(name) {
	case KindString, KindNumber, KindBoolean, KindDate,
		KindImage, KindAudio, KindResource, KindResourceLink:
		return Descriptor{Kind: Kind(name)}, nil
	default:
		return Descriptor{}, fmt.Errorf("output spec: unknown kind %q", name)
	}
}

// Result is a shaped tool output.
type Result struct {
	Content           []mcp.Content
	StructuredContent map[string]any
}

// Shape normalizes raw against the descriptors. One descriptor shapes raw
// directly; several zip against raw as a slice. Shaping never fails:
// malformed media payloads emit nothing and schema mismatches fall back
// to the raw value.
func Shape(ctx context.Context, descriptors []Descriptor, raw any) Result {
	if len(descriptors) == 0 {
		return Result{}
	}
	if len(descriptors) == 1 {
		return shapeSingle(ctx, descriptors[0], raw)
	}
	return shapeTuple(ctx, descriptors, raw)
}

func shapeSingle(ctx context.Context, d Descriptor, raw any) Result {
	el := shapeElement(ctx, d, raw)
	res := Result{Content: el.blocks}
	if !el.hasValue {
		return res
	}
	if m, ok := el.value.(map[string]any); ok && !el.primitive {
		res.StructuredContent = m
		return res
	}
	res.StructuredContent = map[string]any{"content": el.value}
	return res
}

func shapeTuple(ctx context.Context, descriptors []Descriptor, raw any) Result {
	items, _ := raw.([]any)
	if items == nil {
		items = []any{raw}
	}
	n := len(descriptors)
	if len(items) < n {
		n = len(items)
	}

	var res Result
	els := make([]element, 0, n)
	anyNonPrimitive := false
	for i := 0; i < n; i++ {
		el := shapeElement(ctx, descriptors[i], items[i])
		res.Content = append(res.Content, el.blocks...)
		if !el.primitive {
			anyNonPrimitive = true
		}
		els = append(els, el)
	}

	if anyNonPrimitive {
		sc := make(map[string]any)
		for i, el := range els {
			if el.hasValue {
				sc[strconv.Itoa(i)] = el.value
			}
		}
		if len(sc) > 0 {
			res.StructuredContent = sc
		}
		return res
	}

	var values []any
	for _, el := range els {
		if el.hasValue {
			values = append(values, el.value)
		}
	}
	if len(values) > 0 {
		res.StructuredContent = map[string]any{"content": values}
	}
	return res
}

// element is one shaped descriptor: its content blocks, its structured
// value if it contributes one, and whether it counts as primitive for the
// tuple layout rules.
type element struct {
	blocks    []mcp.Content
	value     any
	hasValue  bool
	primitive bool
}

func shapeElement(ctx context.Context, d Descriptor, raw any) element {
	switch d.Kind {
	case KindString:
		return element{blocks: textBlock(toString(raw)), primitive: true}
	case KindNumber:
		if f, ok := toFloat(raw); ok {
			return element{
				blocks:    textBlock(strconv.FormatFloat(f, 'f', -1, 64)),
				value:     f,
				hasValue:  true,
				primitive: true,
			}
		}
		return element{blocks: textBlock(toString(raw)), primitive: true}
	case KindBoolean:
		if b, ok := toBool(raw); ok {
			return element{
				blocks:    textBlock(strconv.FormatBool(b)),
				value:     b,
				hasValue:  true,
				primitive: true,
			}
		}
		return element{blocks: textBlock(toString(raw)), primitive: true}
	case KindDate:
		if t, ok := toTime(raw); ok {
			formatted := t.UTC().Format(time.RFC3339)
			return element{
				blocks:    textBlock(formatted),
				value:     formatted,
				hasValue:  true,
				primitive: true,
			}
		}
		return element{blocks: textBlock(toString(raw)), primitive: true}
	case KindImage:
		if data, mime, ok := mediaPayload(raw); ok {
			return element{blocks: []mcp.Content{mcp.NewImageContent(data, mime)}}
		}
		return element{}
	case KindAudio:
		if data, mime, ok := mediaPayload(raw); ok {
			return element{blocks: []mcp.Content{mcp.NewAudioContent(data, mime)}}
		}
		return element{}
	case KindResource:
		if rc, ok := resourcePayload(raw); ok {
			return element{blocks: []mcp.Content{mcp.EmbeddedResource{Type: "resource", Resource: rc}}}
		}
		return element{}
	case KindResourceLink:
		if link, ok := resourceLinkPayload(raw); ok {
			return element{blocks: []mcp.Content{link}}
		}
		return element{}
	case KindSchema:
		return shapeSchema(ctx, d, raw)
	default:
		return element{blocks: textBlock(toString(raw)), primitive: true}
	}
}

// shapeSchema parses raw against the descriptor's schema and emits the
// sanitized value both as a JSON text block and as structured content.
// Parsing is best effort: a value the schema rejects passes through
// unchanged.
func shapeSchema(ctx context.Context, d Descriptor, raw any) element {
	if len(d.Schema) > 0 {
		doc, err := json.Marshal(raw)
		if err == nil {
			result, err := gojsonschema.Validate(
				gojsonschema.NewBytesLoader(d.Schema),
				gojsonschema.NewBytesLoader(doc),
			)
			if err != nil {
				reqctx.Logger(ctx).Debugw("output schema validation unavailable", "error", err)
			} else if !result.Valid() {
				reqctx.Logger(ctx).Debugw("output does not match declared schema",
					"violations", len(result.Errors()))
			}
		}
	}

	sanitized := Sanitize(raw)
	text, err := json.Marshal(sanitized)
	if err != nil {
		text = []byte("null")
	}
	return element{
		blocks:   textBlock(string(text)),
		value:    sanitized,
		hasValue: sanitized != nil,
	}
}

func textBlock(text string) []mcp.Content {
	return []mcp.Content{mcp.NewTextContent(text)}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	default:
		return false, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func mediaPayload(v any) (data, mime string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return "", "", false
	}
	data, _ = m["data"].(string)
	mime, _ = m["mimeType"].(string)
	if data == "" || mime == "" {
		return "", "", false
	}
	return data, mime, true
}

func resourcePayload(v any) (mcp.ResourceContents, bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return nil, false
	}
	uri, _ := m["uri"].(string)
	if uri == "" {
		return nil, false
	}
	mime, _ := m["mimeType"].(string)
	if blob, ok := m["blob"].(string); ok && blob != "" {
		return mcp.BlobResourceContents{URI: uri, MIMEType: mime, Blob: blob}, true
	}
	if text, ok := m["text"].(string); ok {
		return mcp.TextResourceContents{URI: uri, MIMEType: mime, Text: text}, true
	}
	return nil, false
}

func resourceLinkPayload(v any) (mcp.Content, bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return nil, false
	}
	uri, _ := m["uri"].(string)
	name, _ := m["name"].(string)
	if uri == "" || name == "" {
		return nil, false
	}
	description, _ := m["description"].(string)
	mime, _ := m["mimeType"].(string)
	return mcp.NewResourceLink(uri, name, description, mime), true
}
