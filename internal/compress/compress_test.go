package compress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("redis snapshot block "), 2048)
	for _, kind := range []string{TypeNone, TypeGzip, TypeZstd, TypeLZ4} {
		t.Run(kind, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := WrapWriter(kind, &buf)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			if kind != TypeNone {
				assert.Less(t, buf.Len(), len(payload))
			}

			r, err := WrapReader(kind, &buf)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, payload, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	kind, err := Normalize("")
	require.NoError(t, err)
	assert.Equal(t, TypeNone, kind)
	assert.Equal(t, ".lz4", Extension(TypeLZ4))
	assert.Empty(t, Extension(TypeNone))

	_, err = Normalize("brotli")
	assert.Error(t, err)
	_, err = WrapWriter("brotli", io.Discard)
	assert.Error(t, err)
}
