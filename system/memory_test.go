package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMemory(t *testing.T) {
	memory, err := GetMemory()
	require.NoError(t, err)
	assert.Positive(t, memory.RAM.Total)

	readable, err := GetMemoryReadable()
	require.NoError(t, err)
	assert.NotEmpty(t, readable.Total)
	assert.Contains(t, readable.String(), "RAM used")
}

func TestFootprint(t *testing.T) {
	assert.Equal(t, "1.0 KiB", Footprint(1024))
	assert.Equal(t, "64 KiB", Footprint(65536))
}
