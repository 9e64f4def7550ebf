package codec

import (
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec identifies the compression algorithm applied to the payload of an
// extent. The value is stored on disk in extent records, so existing codecs
// must never be renumbered.
type Codec uint8

const (
	// None stores the payload verbatim.
	None Codec = 0
	// LZ4 applies LZ4 block compression.
	LZ4 Codec = 1
	// Zstd applies zstd compression at the default level.
	Zstd Codec = 2
	// Snappy applies snappy block compression.
	Snappy Codec = 3
)

// ErrUnknownCodec is returned when a codec value read from disk is not
// recognized.
var ErrUnknownCodec = errors.New("unknown codec")

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	default:
		return "invalid"
	}
}

// Parse returns the codec named by s.
func Parse(s string) (Codec, error) {
	switch s {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "snappy":
		return Snappy, nil
	default:
		return None, errors.Wrapf(ErrUnknownCodec, "%q", s)
	}
}

// zstd encoder and decoder are stateless in this mode and safe for concurrent
// use, so single instances are shared by all filesystems in the process.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// Compress compresses p with the requested codec and returns the stored form
// together with the codec actually used. Whenever the compressed form would
// not be smaller than the input, the payload is stored verbatim and None is
// returned, so callers must persist the returned codec, not the requested one.
func Compress(p []byte, c Codec) ([]byte, Codec, error) {
	if len(p) == 0 {
		return p, None, nil
	}

	switch c {
	case None:
		return p, None, nil
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(p)))
		n, err := lz4.CompressBlock(p, buf, nil)
		if err != nil {
			return nil, None, errors.WithStack(err)
		}
		// CompressBlock reports incompressible input as n == 0.
		if n == 0 || n >= len(p) {
			return p, None, nil
		}
		return buf[:n], LZ4, nil
	case Zstd:
		buf := zstdEncoder.EncodeAll(p, nil)
		if len(buf) >= len(p) {
			return p, None, nil
		}
		return buf, Zstd, nil
	case Snappy:
		buf := snappy.Encode(nil, p)
		if len(buf) >= len(p) {
			return p, None, nil
		}
		return buf, Snappy, nil
	default:
		return nil, None, errors.Wrapf(ErrUnknownCodec, "%d", c)
	}
}

// Decompress reverses Compress. rawLen is the expected length of the original
// payload and is verified against the decompressed output.
func Decompress(p []byte, c Codec, rawLen int) ([]byte, error) {
	switch c {
	case None:
		if len(p) != rawLen {
			return nil, errors.Errorf("stored payload is %d bytes, expected %d", len(p), rawLen)
		}
		return p, nil
	case LZ4:
		buf := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(p, buf)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if n != rawLen {
			return nil, errors.Errorf("decompressed %d bytes, expected %d", n, rawLen)
		}
		return buf, nil
	case Zstd:
		buf, err := zstdDecoder.DecodeAll(p, make([]byte, 0, rawLen))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if len(buf) != rawLen {
			return nil, errors.Errorf("decompressed %d bytes, expected %d", len(buf), rawLen)
		}
		return buf, nil
	case Snappy:
		buf, err := snappy.Decode(nil, p)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if len(buf) != rawLen {
			return nil, errors.Errorf("decompressed %d bytes, expected %d", len(buf), rawLen)
		}
		return buf, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCodec, "%d", c)
	}
}
