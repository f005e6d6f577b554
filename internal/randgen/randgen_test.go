package randgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_SizeAndRandomness(t *testing.T) {
	g := New()

	b1, err := g.Generate(256)
	require.NoError(t, err)
	assert.Len(t, b1, 32)

	b2, err := g.Generate(256)
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)
}

func TestGenerate_RejectsNonMultipleOf8(t *testing.T) {
	g := New()

	_, err := g.Generate(127)
	assert.Error(t, err)

	_, err = g.Generate(0)
	assert.Error(t, err)

	_, err = g.Generate(-8)
	assert.Error(t, err)
}
