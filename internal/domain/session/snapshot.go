package session

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

// compressChunks encodes buffered output chunks and gzips the result for a
// suspension snapshot. A snapshot can idle for the full suspension timeout,
// so stashed output is stored compressed rather than as live buffers.
func compressChunks(chunks []string) ([]byte, error) {
	raw, err := sonic.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("encode chunks: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress chunks: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressChunks reverses compressChunks at resume time.
func decompressChunks(data []byte) ([]string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var chunks []string
	if err := sonic.Unmarshal(raw, &chunks); err != nil {
		return nil, fmt.Errorf("decode chunks: %w", err)
	}
	return chunks, nil
}
