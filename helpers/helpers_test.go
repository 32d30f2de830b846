package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCalAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mailto:Jane@Example.com", "jane@example.com"},
		{"MAILTO:bob@example.org", "bob@example.org"},
		{"  alice@example.com ", "alice@example.com"},
		{"Alice Doe <Alice@Example.com>", "alice@example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCalAddress(tt.in), tt.in)
	}
}

func TestBaseAddress(t *testing.T) {
	assert.Equal(t, "user@example.com", BaseAddress("User+cal@Example.com"))
	assert.Equal(t, "user@example.com", BaseAddress("user@example.com"))
	assert.Equal(t, "local", BaseAddress("local+x"))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("14d")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	d, err = ParseDuration("1d12h")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	d, err = ParseDuration("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("")
	assert.Error(t, err)
	_, err = ParseDuration("xd")
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	n, err := ParseSize("10mb")
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), n)

	n, err = ParseSize("512")
	require.NoError(t, err)
	assert.Equal(t, int64(512), n)

	_, err = ParseSize("lots")
	assert.Error(t, err)
}

func TestHashContentAndKey(t *testing.T) {
	h1 := HashContent([]byte("BEGIN:VCALENDAR"))
	h2 := HashContent([]byte("BEGIN:VCALENDAR"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Equal(t, "example.com/jane/"+h1, NewS3Key("Jane@Example.com", h1))
}
