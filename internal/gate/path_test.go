package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoin(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		segments []string
		expected string
	}{
		{"root only", "/", nil, "/"},
		{"root and segment", "/", []string{"gyrex"}, "/gyrex"},
		{"nested", "/gyrex", []string{"cloud", "nodes"}, "/gyrex/cloud/nodes"},
		{"trims slashes", "/gyrex/", []string{"/locks/"}, "/gyrex/locks"},
		{"skips empty", "/gyrex", []string{"", "x"}, "/gyrex/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Join(tt.base, tt.segments...))
		})
	}
}

func TestParentAndBase(t *testing.T) {
	assert.Equal(t, "/a/b", Parent("/a/b/c"))
	assert.Equal(t, "/", Parent("/a"))
	assert.Equal(t, "c", Base("/a/b/c"))
}

func TestEscapeSegment(t *testing.T) {
	escaped := EscapeSegment("jobs/running/x")
	assert.NotContains(t, escaped, "/")

	back, err := UnescapeSegment(escaped)
	assert.NoError(t, err)
	assert.Equal(t, "jobs/running/x", back)
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("/"))
	assert.NoError(t, ValidatePath("/a/b"))
	assert.ErrorIs(t, ValidatePath("a/b"), ErrInvalidPath)
	assert.ErrorIs(t, ValidatePath("/a/"), ErrInvalidPath)
	assert.ErrorIs(t, ValidatePath("/a/../b"), ErrInvalidPath)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "ephemeral", Ephemeral.String())
	assert.Equal(t, "unknown", Mode(42).String())
	assert.True(t, EphemeralSequential.IsEphemeral())
	assert.True(t, EphemeralSequential.IsSequential())
	assert.False(t, Persistent.IsSequential())
}
