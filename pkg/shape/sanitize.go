// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package shape

import (
	"reflect"
	"strings"
	"time"
)

const (
	// maxDepth bounds structured content nesting. Values below the cap are
	// dropped rather than truncated mid-object.
	maxDepth = 16

	// maxProperties bounds the number of keys kept per object and the
	// number of elements kept per array.
	maxProperties = 512

	// circularToken replaces a value that refers back to one of its own
	// ancestors.
	circularToken = "[Circular]"
)

// bannedKeys are dropped from every object entering structured content.
// They are meaningless in JSON but dangerous to clients that merge the
// payload into prototype-carrying objects.
var bannedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Sanitize returns a client-safe copy of v for structured content: banned
// keys removed, function and channel values dropped, depth and property
// counts capped, and cycles replaced by the [Circular] token. Containers
// come back as fresh maps and slices so the caller's value is never
// aliased.
func Sanitize(v any) any {
	s := &sanitizer{onPath: make(map[uintptr]bool)}
	out, keep := s.value(v, 0)
	if !keep {
		return nil
	}
	return out
}

type sanitizer struct {
	// onPath holds the container pointers between the root and the value
	// currently being walked. Revisiting one means a cycle; a repeated
	// reference on a different branch does not.
	onPath map[uintptr]bool
}

// value sanitizes one node. The second return reports whether the value
// survives; dropped values are omitted from their parent container.
func (s *sanitizer) value(v any, depth int) (any, bool) {
	if v == nil {
		return nil, true
	}
	if depth > maxDepth {
		return nil, false
	}

	switch t := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t, true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	case map[string]any:
		return s.object(reflect.ValueOf(t), func(yield func(key string, val any) bool) {
			for key, val := range t {
				if !yield(key, val) {
					return
				}
			}
		}, depth)
	case []any:
		return s.array(reflect.ValueOf(t), len(t), func(i int) any { return t[i] }, depth)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, true
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if s.onPath[ptr] {
				return circularToken, true
			}
			s.onPath[ptr] = true
			defer delete(s.onPath, ptr)
		}
		return s.value(rv.Elem().Interface(), depth)
	case reflect.Map:
		return s.object(rv, func(yield func(key string, val any) bool) {
			iter := rv.MapRange()
			for iter.Next() {
				if !yield(keyString(iter.Key()), iter.Value().Interface()) {
					return
				}
			}
		}, depth)
	case reflect.Slice:
		if rv.IsNil() {
			return nil, true
		}
		return s.array(rv, rv.Len(), func(i int) any { return rv.Index(i).Interface() }, depth)
	case reflect.Array:
		return s.array(reflect.Value{}, rv.Len(), func(i int) any { return rv.Index(i).Interface() }, depth)
	case reflect.Struct:
		return s.structValue(rv, depth)
	default:
		return v, true
	}
}

func (s *sanitizer) object(rv reflect.Value, iterate func(yield func(key string, val any) bool), depth int) (any, bool) {
	if rv.IsValid() && rv.Kind() == reflect.Map {
		ptr := rv.Pointer()
		if s.onPath[ptr] {
			return circularToken, true
		}
		s.onPath[ptr] = true
		defer delete(s.onPath, ptr)
	}

	out := make(map[string]any)
	iterate(func(key string, val any) bool {
		if bannedKeys[key] {
			return true
		}
		if len(out) >= maxProperties {
			return false
		}
		clean, keep := s.value(val, depth+1)
		if keep {
			out[key] = clean
		}
		return true
	})
	return out, true
}

func (s *sanitizer) array(rv reflect.Value, n int, at func(int) any, depth int) (any, bool) {
	if rv.IsValid() && rv.Kind() == reflect.Slice {
		ptr := rv.Pointer()
		if s.onPath[ptr] {
			return circularToken, true
		}
		s.onPath[ptr] = true
		defer delete(s.onPath, ptr)
	}

	if n > maxProperties {
		n = maxProperties
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		clean, keep := s.value(at(i), depth+1)
		if keep {
			out = append(out, clean)
		}
	}
	return out, true
}

// structValue flattens an exported struct into a map following encoding/json
// field naming, so hand-built structs and decoded JSON sanitize alike.
func (s *sanitizer) structValue(rv reflect.Value, depth int) (any, bool) {
	rt := rv.Type()
	out := make(map[string]any)
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonFieldName(field)
		if skip || bannedKeys[name] {
			continue
		}
		if len(out) >= maxProperties {
			break
		}
		fv := rv.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		clean, keep := s.value(fv.Interface(), depth+1)
		if keep {
			out[name] = clean
		}
	}
	return out, true
}

func jsonFieldName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = field.Name
	if tag == "" {
		return name, false, false
	}
	for i, part := range strings.Split(tag, ",") {
		if i == 0 {
			if part != "" {
				name = part
			}
			continue
		}
		if part == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return toString(k.Interface())
}
