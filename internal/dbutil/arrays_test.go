package dbutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexibleStringSlice(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain strings", `["a","b"]`, []string{"a", "b"}},
		{"mixed scalars coerced", `["a", 7, true]`, []string{"a", "7", "true"}},
		{"empty array", `[]`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexibleStringSlice
			require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
			assert.Equal(t, tt.want, []string(f))
		})
	}
}

func TestEncodeDecodeStrings(t *testing.T) {
	enc := EncodeStrings([]string{"x", "y"})
	assert.Equal(t, []string{"x", "y"}, DecodeStrings(enc))

	assert.Equal(t, "[]", EncodeStrings(nil))
	assert.Empty(t, DecodeStrings(""))
	assert.Empty(t, DecodeStrings("not json"))
}
