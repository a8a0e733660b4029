package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserAgent(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "v1.4.2"
	assert.Equal(t, "pipeweb/1.4.2", UserAgent())
	Version = "dev"
	assert.Equal(t, "pipeweb/dev", UserAgent())
}

func TestInfoString(t *testing.T) {
	s := GetInfo().String()
	assert.True(t, strings.HasPrefix(s, "Version:    "))
	assert.Contains(t, s, "Platform:")
	assert.False(t, strings.HasSuffix(s, "\n"))
}
