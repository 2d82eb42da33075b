package rawvec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStoreParams(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"Empty", "", CacheSizeUnset},
		{"Blank", "  ", CacheSizeUnset},
		{"NoCacheSize", `{}`, CacheSizeUnset},
		{"Integer", `{"cache_size": 1048576}`, 1 << 20},
		{"Unset", `{"cache_size": -1}`, CacheSizeUnset},
		{"HumanIEC", `{"cache_size": "64MiB"}`, 64 << 20},
		{"HumanSI", `{"cache_size": "1 MB"}`, 1000 * 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseStoreParams(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.CacheSize)
			assert.Empty(t, p.Extra)
		})
	}
}

func TestParseStoreParamsErrors(t *testing.T) {
	for _, input := range []string{
		`not json`,
		`[1, 2]`,
		`{"cache_size": -5}`,
		`{"cache_size": "lots"}`,
		`{"cache_size": true}`,
	} {
		_, err := ParseStoreParams(input)
		assert.ErrorIs(t, err, ErrInvalidParams, input)
	}
}

func TestStoreParamsExtra(t *testing.T) {
	p, err := ParseStoreParams(`{"cache_size": 10, "segment_size": 256}`)
	require.NoError(t, err)

	n, ok, err := p.Int("segment_size")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 256, n)

	_, ok, err = p.Int("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, p.CheckKnown("segment_size"))
	assert.ErrorIs(t, p.CheckKnown(), ErrInvalidParams)

	bad, err := ParseStoreParams(`{"segment_size": "big"}`)
	require.NoError(t, err)
	_, _, err = bad.Int("segment_size")
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestStoreParamsString(t *testing.T) {
	assert.Equal(t, "{cache size=-1}", DefaultStoreParams().String())

	p, err := ParseStoreParams(`{"cache_size": "2KiB"}`)
	require.NoError(t, err)
	assert.Equal(t, "{cache size=2048}", p.String())
	assert.True(t, p.HasCacheSize())
}

func TestStoreParamsMarshalJSON(t *testing.T) {
	p, err := ParseStoreParams(`{"cache_size": "1KiB", "segment_size": 8}`)
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	back, err := ParseStoreParams(string(data))
	require.NoError(t, err)
	assert.Equal(t, p.CacheSize, back.CacheSize)
	n, _, _ := back.Int("segment_size")
	assert.Equal(t, 8, n)
}
