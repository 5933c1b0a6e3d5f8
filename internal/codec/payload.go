// Package codec frames cache values written to node backends.
//
// Frame layout (big-endian integers, little-endian CRC trailer):
//
//	[magic u16][version u8][flags u8][created_at i64 unix nanos]
//	[meta_len u32][meta json][value_len u32][value][crc32 u32]
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
)

const (
	// Magic identifies a framed payload
	Magic uint16 = 0xCA5E
	// Version is the current frame version
	Version uint8 = 1

	// FlagHasMetadata is set when the meta section is non-empty
	FlagHasMetadata uint8 = 1 << 0

	headerSize = 2 + 1 + 1 + 8
	// MaxValueSize bounds a single framed value
	MaxValueSize = 512 << 20
)

// Payload is a value together with the metadata replicated alongside it
type Payload struct {
	Value     []byte
	CreatedAt time.Time
	Metadata  map[string]string
}

// Encode frames a payload
func Encode(p *Payload) ([]byte, error) {
	if len(p.Value) > MaxValueSize {
		return nil, cacheerrors.InvalidArgument(
			fmt.Sprintf("value of %d bytes exceeds max frame size %d", len(p.Value), MaxValueSize), nil)
	}

	var (
		meta  []byte
		flags uint8
		err   error
	)
	if len(p.Metadata) > 0 {
		meta, err = json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		flags |= FlagHasMetadata
	}

	buf := make([]byte, 0, headerSize+4+len(meta)+4+len(p.Value)+checksumSize)
	buf = binary.BigEndian.AppendUint16(buf, Magic)
	buf = append(buf, Version, flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.CreatedAt.UnixNano()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(meta)))
	buf = append(buf, meta...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Value)))
	buf = append(buf, p.Value...)
	return AppendChecksum(buf), nil
}

// Decode parses a framed payload, validating magic, version, lengths and checksum
func Decode(frame []byte) (*Payload, error) {
	data, ok := ValidateAndStripChecksum(frame)
	if !ok {
		return nil, cacheerrors.CorruptedPayload("checksum mismatch", nil)
	}
	if len(data) < headerSize+4 {
		return nil, cacheerrors.CorruptedPayload(fmt.Sprintf("frame too short: %d bytes", len(frame)), nil)
	}

	if magic := binary.BigEndian.Uint16(data[0:2]); magic != Magic {
		return nil, cacheerrors.CorruptedPayload(fmt.Sprintf("bad magic 0x%04x", magic), nil)
	}
	if version := data[2]; version != Version {
		return nil, cacheerrors.CorruptedPayload(fmt.Sprintf("unsupported frame version %d", version), nil)
	}
	flags := data[3]
	createdAt := int64(binary.BigEndian.Uint64(data[4:12]))
	rest := data[headerSize:]

	metaLen := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(metaLen)+4 > uint64(len(rest)) {
		return nil, cacheerrors.CorruptedPayload("metadata length out of bounds", nil)
	}
	meta := rest[:metaLen]
	rest = rest[metaLen:]

	valueLen := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(valueLen) != uint64(len(rest)) {
		return nil, cacheerrors.CorruptedPayload("value length mismatch", nil)
	}

	p := &Payload{
		Value:     make([]byte, len(rest)),
		CreatedAt: time.Unix(0, createdAt),
	}
	copy(p.Value, rest)
	if flags&FlagHasMetadata != 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, cacheerrors.CorruptedPayload("invalid metadata", err)
		}
	}
	return p, nil
}
