package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("id,name,amount\n42,alice,19.99\n"), 200)

	for _, alg := range []Algorithm{None, Gzip, Snappy, Zstd, LZ4} {
		t.Run(string(alg), func(t *testing.T) {
			c, err := NewCompressor(alg)
			require.NoError(t, err)

			compressed, err := c.Compress(payload)
			require.NoError(t, err)

			if alg != None {
				assert.Less(t, len(compressed), len(payload), "repetitive payload should shrink")
			}

			restored, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, restored)
		})
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := NewCompressor("brotli")
	assert.Error(t, err)
}

func TestExtensions(t *testing.T) {
	c, err := NewCompressor(Gzip)
	require.NoError(t, err)
	assert.Equal(t, ".gz", c.Extension())

	c, err = NewCompressor(None)
	require.NoError(t, err)
	assert.Equal(t, "", c.Extension())
}
