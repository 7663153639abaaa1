package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Format 存储字节的编码方式，按前两个字节判断
type Format int

const (
	FormatPlain Format = iota
	FormatGzip
)

func (f Format) String() string {
	if f == FormatGzip {
		return "gzip"
	}
	return "plain"
}

// 解压后的上限，防止损坏或恶意数据撑爆内存
const maxSnapshotBytes = 256 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}

	errNotJSON  = errors.New("payload is not valid json")
	errTooLarge = errors.New("decompressed payload too large")
)

func DetectFormat(b []byte) Format {
	if bytes.HasPrefix(b, gzipMagic) {
		return FormatGzip
	}
	return FormatPlain
}

func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decompress(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxSnapshotBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxSnapshotBytes {
		return nil, errTooLarge
	}
	return out, nil
}

// decodePayload 按格式分派：gzip 先解压，再确认是合法 JSON
func decodePayload(b []byte) (json.RawMessage, error) {
	plain := b
	if DetectFormat(b) == FormatGzip {
		var err error
		if plain, err = Decompress(b); err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
	}
	if !json.Valid(plain) {
		return nil, errNotJSON
	}
	return json.RawMessage(plain), nil
}
