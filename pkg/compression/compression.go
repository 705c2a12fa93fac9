// Package compression implements the per-block codecs of disk tables.
package compression

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type is stored in every block trailer, so the values must never change.
type Type uint8

const (
	None   Type = 0
	Snappy Type = 1
	Zstd   Type = 2
	LZ4    Type = 3
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// Parse maps a config name to a codec.
func Parse(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, errors.Newf("unknown compression %q", name)
	}
}

// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress encodes src with t.
func Compress(t Type, src []byte) ([]byte, error) {
	switch t {
	case None:
		return src, nil
	case Snappy:
		return snappy.Encode(nil, src), nil
	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, errors.Wrap(err, "zstd encoder")
		}
		return enc.EncodeAll(src, nil), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, errors.Wrap(err, "lz4 write")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4 close")
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Newf("unsupported compression type %d", t)
	}
}

// Decompress reverses Compress. A malformed payload yields an error that the
// table reader reports as corruption.
func Decompress(t Type, src []byte) ([]byte, error) {
	switch t {
	case None:
		return src, nil
	case Snappy:
		return snappy.Decode(nil, src)
	case Zstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, errors.Wrap(err, "zstd decoder")
		}
		return dec.DecodeAll(src, nil)
	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	default:
		return nil, errors.Newf("unsupported compression type %d", t)
	}
}
