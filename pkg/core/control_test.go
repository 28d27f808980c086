package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "respond",
			err:  NewRespond(map[string]any{"ok": true}),
			want: true,
		},
		{
			name: "abort",
			err:  NewAbort(AbortInvalidInput, "missing name", 0),
			want: true,
		},
		{
			name: "retry after",
			err:  NewRetryAfter(2*time.Second, errors.New("store busy")),
			want: true,
		},
		{
			name: "wrapped abort",
			err:  fmt.Errorf("stage pre: %w", NewAbort(AbortToolNotActivated, "guard", http.StatusForbidden)),
			want: true,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
		{
			name: "public error",
			err:  NewInternalError(nil),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsControl(tt.err))
		})
	}
}

func TestNewAbort_DefaultStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, NewAbort(AbortInvalidInput, "x", 0).Status)
	assert.Equal(t, http.StatusForbidden, NewAbort(AbortToolNotAllowed, "x", http.StatusForbidden).Status)
}

func TestRespond_CarriesValue(t *testing.T) {
	t.Parallel()

	var respond *Respond
	err := func() error {
		return NewRespond("cached payload")
	}()

	require.ErrorAs(t, err, &respond)
	assert.Equal(t, "cached payload", respond.Value)
}

func TestRetryAfter_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("session store unavailable")
	err := NewRetryAfter(time.Second, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "1s")
}
