package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UniformVectors(8, 32)

	assert.Equal(t, 8, len(v))
	assert.Equal(t, 32, len(v[0]))
	assert.LessOrEqual(t, v[0][0], float32(1.0))
	assert.GreaterOrEqual(t, v[1][0], float32(0.0))
}

func TestBinaryVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.BinaryVectors(4, 64)

	assert.Equal(t, 4, len(v))
	assert.Equal(t, 8, len(v[0]))
	assert.Panics(t, func() { rng.BinaryVectors(1, 12) })
}

func TestReset(t *testing.T) {
	rng := NewRNG(42)
	a := rng.UniformVectors(2, 4)
	rng.Reset()
	b := rng.UniformVectors(2, 4)

	assert.Equal(t, a, b)
	assert.Equal(t, int64(42), rng.Seed())
}

func TestFloat32Bytes(t *testing.T) {
	v := []float32{1, -2.5, 3.25}

	raw := Float32Bytes(v)
	require.Len(t, raw, 12)
	assert.Equal(t, v, BytesFloat32(raw))

	joined := Float32Bytes(v, v)
	assert.Len(t, joined, 24)
}
