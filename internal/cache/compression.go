package cache

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Entries are compressed on the store path of every response, so writers
// are pooled and tuned for speed over ratio.
var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// ShouldCompress reports whether a JSON payload of size bytes is stored
// compressed.
func ShouldCompress(size int) bool {
	return size >= MinSizeForCompression && size <= MaxEntrySize
}

// CompressData gzips a cache entry value.
func CompressData(data []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(data)/2))
	zw := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(zw)
	zw.Reset(buf)

	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress entry: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressData reverses CompressData.
func DecompressData(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress entry: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress entry: %w", err)
	}
	return out, nil
}
