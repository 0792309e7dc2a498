package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/depositgw/lib/store/memory"
)

func TestNew(t *testing.T) {
	d, err := New(MEMORY, "")
	require.NoError(t, err)
	assert.IsType(t, &memory.Memory{}, d)
	assert.NoError(t, Close(MEMORY, d))

	_, err = New("sqlite", "")
	assert.Error(t, err)
}
