package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationOrDefault(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback string
		want     time.Duration
		wantErr  bool
	}{
		{name: "explicit value", value: "250ms", fallback: "1s", want: 250 * time.Millisecond},
		{name: "falls back when empty", value: "  ", fallback: "30s", want: 30 * time.Second},
		{name: "bare integer is seconds", value: "45", fallback: "1s", want: 45 * time.Second},
		{name: "zero is allowed", value: "0", fallback: "1s", want: 0},
		{name: "both empty", value: "", fallback: "", wantErr: true},
		{name: "garbage", value: "soon", fallback: "1s", wantErr: true},
		{name: "negative", value: "-5s", fallback: "1s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DurationOrDefault(tt.value, tt.fallback)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
