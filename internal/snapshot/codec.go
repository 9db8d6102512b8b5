package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// Compression selects the payload compression.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZSTD Compression = "zstd"
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case CompressionNone, CompressionLZ4, CompressionZSTD:
		return c, nil
	case "":
		return CompressionZSTD, nil
	}
	return "", fmt.Errorf("unknown compression %q (want zstd, lz4 or none)", s)
}

func (c Compression) tag() byte {
	switch c {
	case CompressionLZ4:
		return 1
	case CompressionZSTD:
		return 2
	}
	return 0
}

// Blob layout:
//
//	[magic 6][format 1][compression 1][crc32 of JSON 4][JSON length 4][payload]
const (
	magic         = "DXSNAP"
	formatVersion = 1
	headerSize    = len(magic) + 1 + 1 + 4 + 4
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Codec turns snapshots into checksummed, optionally compressed blobs.
type Codec struct {
	compression Compression
}

// NewCodec creates a codec writing with compression c. Decoding accepts any
// compression.
func NewCodec(c Compression) *Codec {
	if c == "" {
		c = CompressionZSTD
	}
	return &Codec{compression: c}
}

// Compression returns the write compression.
func (c *Codec) Compression() Compression { return c.compression }

// Encode serializes snap.
func (c *Codec) Encode(snap Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, ierrors.InternalError("failed to serialize snapshot", err)
	}

	comp := c.compression
	var payload []byte
	switch comp {
	case CompressionZSTD:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, ierrors.InternalError("lz4 compression failed", err)
		}
		if n == 0 {
			// Incompressible.
			comp, payload = CompressionNone, raw
		} else {
			payload = buf[:n]
		}
	default:
		comp, payload = CompressionNone, raw
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, magic)
	out[len(magic)] = formatVersion
	out[len(magic)+1] = comp.tag()
	binary.LittleEndian.PutUint32(out[len(magic)+2:], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint32(out[len(magic)+6:], uint32(len(raw)))
	return append(out, payload...), nil
}

// Decode parses a blob produced by Encode. Damaged blobs fail with
// ErrCodeSnapshotCorrupt.
func (c *Codec) Decode(data []byte) (Snapshot, error) {
	corrupt := func(msg string, cause error) (Snapshot, error) {
		return Snapshot{}, ierrors.New(ierrors.ErrCodeSnapshotCorrupt, msg, cause)
	}
	if len(data) < headerSize || string(data[:len(magic)]) != magic {
		return corrupt("not a snapshot blob", nil)
	}
	if data[len(magic)] != formatVersion {
		return corrupt(fmt.Sprintf("unsupported snapshot format %d", data[len(magic)]), nil)
	}
	tag := data[len(magic)+1]
	sum := binary.LittleEndian.Uint32(data[len(magic)+2:])
	size := binary.LittleEndian.Uint32(data[len(magic)+6:])
	payload := data[headerSize:]

	var raw []byte
	switch tag {
	case CompressionNone.tag():
		raw = payload
	case CompressionLZ4.tag():
		raw = make([]byte, size)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return corrupt("lz4 payload damaged", err)
		}
		raw = raw[:n]
	case CompressionZSTD.tag():
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return corrupt("zstd payload damaged", err)
		}
		raw = out
	default:
		return corrupt(fmt.Sprintf("unknown compression tag %d", tag), nil)
	}

	if uint32(len(raw)) != size || crc32.ChecksumIEEE(raw) != sum {
		return corrupt("snapshot checksum mismatch", nil)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return corrupt("snapshot body unreadable", err)
	}
	return snap, nil
}
