package digest

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_HashesStream(t *testing.T) {
	r := NewReader(strings.NewReader("hello world"))

	data, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, int64(11), r.BytesRead())
	assert.Equal(t, ComputeHash(data), r.Sum())
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", r.Sum())
}

func TestVerify(t *testing.T) {
	data := []byte("payload")
	assert.True(t, Verify(data, ComputeHash(data)))
	assert.False(t, Verify(data, ComputeHash([]byte("other"))))
}
