package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/fdbkv/fdb/pkg/value"
)

// Record layout:
//
//	magic    [3]byte  "FDB"
//	version  byte     recordVersion
//	flags    byte     bit0 = payload is zstd compressed
//	checksum uint64   xxhash64 of key || stored payload, big-endian
//	keyLen   uvarint
//	key      []byte
//	payload  []byte   encoded value.Value, possibly compressed
const (
	recordVersion  = 1
	flagCompressed = 1 << 0
	headerSize     = 3 + 1 + 1 + 8
)

var recordMagic = []byte("FDB")

// ErrCorruptRecord is returned when a record fails header or checksum
// verification.
var ErrCorruptRecord = errors.New("corrupt record")

// codec encodes and decodes records. The zstd encoder and decoder are safe for
// concurrent use through EncodeAll and DecodeAll.
type codec struct {
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	compress bool
}

func newCodec(compress bool) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec, compress: compress}, nil
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// encode builds the on-disk record for key and v. Compression is applied
// before checksumming and recorded in the flags, so readers honour each
// record's own flag regardless of the current setting.
func (c *codec) encode(key string, v value.Value) []byte {
	payload := v.Encode()
	var flags byte
	if c.compress {
		payload = c.enc.EncodeAll(payload, nil)
		flags |= flagCompressed
	}

	buf := make([]byte, 0, headerSize+binary.MaxVarintLen64+len(key)+len(payload))
	buf = append(buf, recordMagic...)
	buf = append(buf, recordVersion, flags)
	buf = binary.BigEndian.AppendUint64(buf, checksum(key, payload))
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = append(buf, payload...)
	return buf
}

// decodeKey verifies the record and returns its key and stored payload.
func decodeKey(data []byte) (key string, flags byte, payload []byte, err error) {
	if len(data) < headerSize || !bytes.Equal(data[:3], recordMagic) {
		return "", 0, nil, fmt.Errorf("%w: bad header", ErrCorruptRecord)
	}
	if data[3] != recordVersion {
		return "", 0, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, data[3])
	}
	flags = data[4]
	sum := binary.BigEndian.Uint64(data[5:headerSize])

	rest := data[headerSize:]
	keyLen, n := binary.Uvarint(rest)
	if n <= 0 || keyLen > uint64(len(rest)-n) {
		return "", 0, nil, fmt.Errorf("%w: bad key length", ErrCorruptRecord)
	}
	key = string(rest[n : n+int(keyLen)])
	payload = rest[n+int(keyLen):]

	if checksum(key, payload) != sum {
		return "", 0, nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return key, flags, payload, nil
}

// decode verifies the record and returns its key and value.
func (c *codec) decode(data []byte) (string, value.Value, error) {
	key, flags, payload, err := decodeKey(data)
	if err != nil {
		return "", value.Value{}, err
	}
	if flags&flagCompressed != 0 {
		payload, err = c.dec.DecodeAll(payload, nil)
		if err != nil {
			return "", value.Value{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
	}
	v, err := value.Decode(payload)
	if err != nil {
		return "", value.Value{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return key, v, nil
}

func checksum(key string, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	_, _ = d.Write(payload)
	return d.Sum64()
}
