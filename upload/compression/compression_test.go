package compression

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input.txt")
	dst := filepath.Join(dir, "input.txt.zst")

	content := bytes.Repeat([]byte("compressible content "), 10000)
	require.NoError(t, os.WriteFile(src, content, 0600))

	compressor := NewCompressor(log.NewLogger())
	size, err := compressor.CompressFile(src, dst)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
	assert.Less(t, size, int64(len(content)), "repetitive content must shrink")

	archive, err := os.Open(dst)
	require.NoError(t, err)
	defer archive.Close()

	dec, err := zstd.NewReader(archive)
	require.NoError(t, err)
	defer dec.Close()

	restored, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, content, restored)
}

func TestCompressFile_MissingSource(t *testing.T) {
	compressor := NewCompressor(log.NewLogger())
	_, err := compressor.CompressFile(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "out.zst"))
	assert.Error(t, err)
}
