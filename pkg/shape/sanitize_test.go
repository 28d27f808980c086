package shape

import (
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_DropsBannedKeys(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"__proto__":   map[string]any{"polluted": true},
		"constructor": "evil",
		"prototype":   1,
		"data":        "ok",
	}

	got := Sanitize(raw)
	require.IsType(t, map[string]any{}, got)
	assert.Equal(t, map[string]any{"data": "ok"}, got)
}

func TestSanitize_DropsFunctionsAndChannels(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"fn":   func() {},
		"ch":   make(chan int),
		"keep": 42,
	}

	got, ok := Sanitize(raw).(map[string]any)
	require.True(t, ok)
	if diff := cmp.Diff(map[string]any{"keep": 42}, got); diff != "" {
		t.Errorf("sanitized value mismatch (-want +got):\n%s", diff)
	}
}

func TestSanitize_ReplacesCycles(t *testing.T) {
	t.Parallel()

	raw := map[string]any{"name": "root"}
	raw["self"] = raw

	got, ok := Sanitize(raw).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "root", got["name"])
	assert.Equal(t, circularToken, got["self"])
}

func TestSanitize_RepeatedReferenceIsNotACycle(t *testing.T) {
	t.Parallel()

	shared := map[string]any{"v": 1}
	raw := map[string]any{"a": shared, "b": shared}

	got, ok := Sanitize(raw).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"v": 1}, got["a"])
	assert.Equal(t, map[string]any{"v": 1}, got["b"])
}

func TestSanitize_CapsDepth(t *testing.T) {
	t.Parallel()

	deepest := map[string]any{"leaf": true}
	cur := deepest
	for i := 0; i < maxDepth+4; i++ {
		cur = map[string]any{"next": cur}
	}

	got, ok := Sanitize(cur).(map[string]any)
	require.True(t, ok)

	depth := 0
	for {
		next, hasNext := got["next"].(map[string]any)
		if !hasNext {
			break
		}
		got = next
		depth++
	}
	assert.LessOrEqual(t, depth, maxDepth)
	assert.NotContains(t, got, "leaf", "content past the cap is dropped")
}

func TestSanitize_CapsPropertyCount(t *testing.T) {
	t.Parallel()

	wide := make(map[string]any, maxProperties+50)
	for i := 0; i < maxProperties+50; i++ {
		wide["key-"+strconv.Itoa(i)] = i
	}
	got, ok := Sanitize(wide).(map[string]any)
	require.True(t, ok)
	assert.LessOrEqual(t, len(got), maxProperties)

	long := make([]any, maxProperties+10)
	for i := range long {
		long[i] = i
	}
	gotSlice, ok := Sanitize(long).([]any)
	require.True(t, ok)
	assert.Len(t, gotSlice, maxProperties)
}

func TestSanitize_FlattensStructs(t *testing.T) {
	t.Parallel()

	type payload struct {
		Data     string `json:"data"`
		Count    int    `json:"count"`
		Ignored  string `json:"-"`
		Optional string `json:"optional,omitempty"`
	}

	got := Sanitize(payload{Data: "ok", Count: 2, Ignored: "x"})
	assert.Equal(t, map[string]any{"data": "ok", "count": 2}, got)
}

func TestSanitize_ReturnsFreshContainers(t *testing.T) {
	t.Parallel()

	inner := map[string]any{"v": 1}
	raw := map[string]any{"inner": inner}

	got, ok := Sanitize(raw).(map[string]any)
	require.True(t, ok)

	gotInner, ok := got["inner"].(map[string]any)
	require.True(t, ok)
	gotInner["v"] = 99
	assert.Equal(t, 1, inner["v"], "sanitized copy must not alias the input")
}

func TestSanitize_NilAndScalars(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Sanitize(nil))
	assert.Equal(t, "text", Sanitize("text"))
	assert.Equal(t, 3.5, Sanitize(3.5))
	assert.Equal(t, true, Sanitize(true))
	assert.Nil(t, Sanitize(func() {}), "a bare function sanitizes to nothing")
}
