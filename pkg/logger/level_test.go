package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "verbose", want: LevelVerbose},
		{in: "info", want: LevelInfo},
		{in: "notice", want: LevelNotice},
		{in: "warning", want: LevelWarning},
		{in: "error", want: LevelError},
		{in: "critical", want: LevelCritical},
		{in: "alert", want: LevelAlert},
		{in: "emergency", want: LevelEmergency},
		{in: "  WARNING ", want: LevelWarning},
		{in: "trace", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_RoundTrip(t *testing.T) {
	t.Parallel()

	for l := LevelDebug; l <= LevelEmergency; l++ {
		parsed, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
}

func TestLevel_Enabled(t *testing.T) {
	t.Parallel()

	assert.True(t, LevelError.Enabled(LevelWarning))
	assert.True(t, LevelWarning.Enabled(LevelWarning))
	assert.False(t, LevelInfo.Enabled(LevelWarning))
	assert.True(t, LevelDebug.Enabled(LevelDebug))
	assert.False(t, LevelVerbose.Enabled(LevelInfo))
}

func TestLevel_Zap(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zapcore.DebugLevel, LevelVerbose.Zap())
	assert.Equal(t, zapcore.InfoLevel, LevelNotice.Zap())
	assert.Equal(t, zapcore.WarnLevel, LevelWarning.Zap())
	assert.Equal(t, zapcore.ErrorLevel, LevelCritical.Zap())
	assert.Equal(t, zapcore.ErrorLevel, LevelEmergency.Zap())
}
