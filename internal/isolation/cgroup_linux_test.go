package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatCPUMax(t *testing.T) {
	assert.Equal(t, "50000 100000", formatCPUMax(50))
	assert.Equal(t, "100000 100000", formatCPUMax(100))
	assert.Equal(t, "1000 100000", formatCPUMax(1))
	assert.Equal(t, "max 100000", formatCPUMax(0))
	assert.Equal(t, "max 100000", formatCPUMax(150))
}

func TestParseControllers(t *testing.T) {
	m := parseControllers("cpuset cpu io memory pids\n")
	assert.True(t, m["cpu"])
	assert.True(t, m["memory"])
	assert.True(t, m["pids"])
	assert.False(t, m["hugetlb"])

	assert.Empty(t, parseControllers("  \n"))
}

func TestNewIsolator_NeverFails(t *testing.T) {
	// Cgroup delegation needs privileges most test hosts lack; either way
	// we must get a usable isolator back.
	iso, err := NewIsolator()
	assert.NoError(t, err)
	assert.NotNil(t, iso)
}
