// Package compression shrinks a file with zstd before it enters an upload
// session. Compression happens ahead of planning: chunk byte ranges must
// match the payload that actually leaves the machine.
package compression

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// MimeType is the content type of a compressed payload.
const MimeType = "application/zstd"

// Compressor writes zstd archives with the native Go encoder.
type Compressor struct {
	logger log.Logger
}

// NewCompressor ...
func NewCompressor(logger log.Logger) *Compressor {
	return &Compressor{logger: logger}
}

// CompressFile compresses src into dst and returns the compressed size.
func (c *Compressor) CompressFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		if err := in.Close(); err != nil {
			c.logger.Errorf("failed to close file: %s", err)
		}
	}()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			c.logger.Errorf("failed to close file: %s", err)
		}
	}()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		return 0, fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("flush zstd writer: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}

	c.logger.Debugf("Compressed %s to %s (%d bytes)", src, dst, info.Size())
	return info.Size(), nil
}
