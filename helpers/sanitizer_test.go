package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"valid", "Team meeting", "Team meeting"},
		{"null bytes", "Team\x00 meeting", "Team meeting"},
		{"invalid sequence", "Caf\xc3", "Caf"},
		{"unicode", "Besprechung über Öl", "Besprechung über Öl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeUTF8(tt.input))
		})
	}
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "Plan", TruncateText("Planning", 4))
	assert.Equal(t, "Planning", TruncateText("Planning", 0))
	assert.Equal(t, "über", TruncateText("überall", 4))
}
