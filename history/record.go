package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/driftsql/driftsql/model"
)

// Compression selects how archived records are compressed. The choice is
// recorded in each encoded record, so readers never need to be told.
type Compression int

const (
	// CompressionNone stores plain JSON.
	CompressionNone Compression = iota
	// CompressionZstd applies zstd, the default for archives kept long-term.
	CompressionZstd
	// CompressionLZ4 applies lz4 block compression, cheaper to write under
	// high completion rates.
	CompressionLZ4
)

// Record is one archived query.
type Record struct {
	Seq        uint32          `json:"seq"`
	ArchivedAt time.Time       `json:"archivedAt"`
	Info       model.QueryInfo `json:"info"`
}

// Encoded record layout: 1 tag byte, then for lz4 a 4-byte little-endian
// uncompressed length, then the (possibly compressed) JSON payload.
const (
	tagJSON byte = 0
	tagZstd byte = 1
	tagLZ4  byte = 2
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode serializes a record with the given compression.
func Encode(rec Record, c Compression) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal history record: %w", err)
	}

	switch c {
	case CompressionNone:
		return append([]byte{tagJSON}, raw...), nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(raw, []byte{tagZstd}), nil

	case CompressionLZ4:
		buf := make([]byte, 5+lz4.CompressBlockBound(len(raw)))
		buf[0] = tagLZ4
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(raw)))
		n, err := lz4.CompressBlock(raw, buf[5:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress history record: %w", err)
		}
		if n == 0 {
			// Incompressible input; fall back to plain JSON.
			return append([]byte{tagJSON}, raw...), nil
		}
		return buf[:5+n], nil

	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}

// Decode deserializes an encoded record regardless of its compression.
func Decode(data []byte) (Record, error) {
	var rec Record
	if len(data) == 0 {
		return rec, fmt.Errorf("empty history record")
	}

	var raw []byte
	switch data[0] {
	case tagJSON:
		raw = data[1:]

	case tagZstd:
		out, err := zstdDecoder.DecodeAll(data[1:], nil)
		if err != nil {
			return rec, fmt.Errorf("zstd decompress history record: %w", err)
		}
		raw = out

	case tagLZ4:
		if len(data) < 5 {
			return rec, fmt.Errorf("truncated lz4 history record")
		}
		size := binary.LittleEndian.Uint32(data[1:5])
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data[5:], out)
		if err != nil {
			return rec, fmt.Errorf("lz4 decompress history record: %w", err)
		}
		raw = out[:n]

	default:
		return rec, fmt.Errorf("unknown history record tag %d", data[0])
	}

	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal history record: %w", err)
	}
	return rec, nil
}
