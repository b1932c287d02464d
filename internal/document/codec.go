package document

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Wire format: a two-byte header (magic, version) followed by a uvarint op
// count and the ops themselves. Map writes carry entity kind, key, payload
// bytes and the (counter, client) tag; event appends carry the event as a
// JSON blob. The framing is origin-stable: bytes produced by one replica
// decode to identical ops on every other replica, which is what keeps
// snapshot encoding convergent.
const (
	codecMagic   byte = 0x4C
	codecVersion byte = 0x01
)

const maxPayloadBytes = 1 << 22

func appendString(buffer []byte, value string) []byte {
	buffer = binary.AppendUvarint(buffer, uint64(len(value)))
	return append(buffer, value...)
}

func appendBytes(buffer []byte, value []byte) []byte {
	buffer = binary.AppendUvarint(buffer, uint64(len(value)))
	return append(buffer, value...)
}

func encodeOps(ops []op) []byte {
	buffer := []byte{codecMagic, codecVersion}
	buffer = binary.AppendUvarint(buffer, uint64(len(ops)))
	for _, o := range ops {
		buffer = append(buffer, byte(o.kind))
		switch o.kind {
		case opMapSet:
			buffer = append(buffer, byte(o.entity))
			buffer = appendString(buffer, o.key)
			buffer = appendBytes(buffer, o.payload)
			buffer = binary.AppendUvarint(buffer, o.tag.Counter)
			buffer = appendString(buffer, o.tag.ClientID)
		case opEventAppend:
			encoded, err := json.Marshal(o.event)
			if err != nil {
				// Events are plain data; marshalling only fails on
				// programmer error. Encode an empty blob so the frame
				// stays parseable.
				encoded = []byte("{}")
			}
			buffer = appendBytes(buffer, encoded)
		}
	}
	return buffer
}

type opReader struct {
	data   []byte
	offset int
}

func (r *opReader) uvarint() (uint64, error) {
	value, read := binary.Uvarint(r.data[r.offset:])
	if read <= 0 {
		return 0, fmt.Errorf("truncated varint at offset %d", r.offset)
	}
	r.offset += read
	return value, nil
}

func (r *opReader) readBytes() ([]byte, error) {
	length, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if length > maxPayloadBytes {
		return nil, fmt.Errorf("field length %d exceeds bounds", length)
	}
	end := r.offset + int(length)
	if end > len(r.data) {
		return nil, fmt.Errorf("truncated field at offset %d", r.offset)
	}
	value := make([]byte, length)
	copy(value, r.data[r.offset:end])
	r.offset = end
	return value, nil
}

func (r *opReader) readString() (string, error) {
	value, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (r *opReader) readByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, fmt.Errorf("truncated byte at offset %d", r.offset)
	}
	value := r.data[r.offset]
	r.offset++
	return value, nil
}

func decodeOps(encoded []byte, sentinel error) ([]op, error) {
	if len(encoded) < 2 {
		return nil, fmt.Errorf("%w: too short", sentinel)
	}
	if encoded[0] != codecMagic || encoded[1] != codecVersion {
		return nil, fmt.Errorf("%w: bad header", sentinel)
	}

	reader := &opReader{data: encoded, offset: 2}
	count, err := reader.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sentinel, err)
	}
	if count > maxPayloadBytes {
		return nil, fmt.Errorf("%w: op count %d exceeds bounds", sentinel, count)
	}

	ops := make([]op, 0, count)
	for index := uint64(0); index < count; index++ {
		kindByte, err := reader.readByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", sentinel, err)
		}
		switch opKind(kindByte) {
		case opMapSet:
			decoded, err := decodeMapSet(reader)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", sentinel, err)
			}
			ops = append(ops, decoded)
		case opEventAppend:
			blob, err := reader.readBytes()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", sentinel, err)
			}
			var event Event
			if err := json.Unmarshal(blob, &event); err != nil {
				return nil, fmt.Errorf("%w: event blob: %v", sentinel, err)
			}
			ops = append(ops, op{kind: opEventAppend, event: event})
		default:
			return nil, fmt.Errorf("%w: unknown op kind %d", sentinel, kindByte)
		}
	}
	if reader.offset != len(encoded) {
		return nil, fmt.Errorf("%w: %d trailing bytes", sentinel, len(encoded)-reader.offset)
	}
	return ops, nil
}

func decodeMapSet(reader *opReader) (op, error) {
	entityByte, err := reader.readByte()
	if err != nil {
		return op{}, err
	}
	key, err := reader.readString()
	if err != nil {
		return op{}, err
	}
	payload, err := reader.readBytes()
	if err != nil {
		return op{}, err
	}
	counter, err := reader.uvarint()
	if err != nil {
		return op{}, err
	}
	clientID, err := reader.readString()
	if err != nil {
		return op{}, err
	}
	return op{
		kind:    opMapSet,
		entity:  entityKind(entityByte),
		key:     key,
		payload: payload,
		tag:     Tag{Counter: counter, ClientID: clientID},
	}, nil
}
