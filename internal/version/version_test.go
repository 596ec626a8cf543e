package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	assert.Equal(t, "dev", Short())
}

func TestInfo(t *testing.T) {
	info := Info()

	assert.Contains(t, info, Version)
	assert.Contains(t, info, GitCommit)
	assert.Contains(t, info, BuildDate)
	assert.Contains(t, info, "go")
}
