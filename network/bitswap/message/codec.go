package message

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the public bitswap protobuf schema.
const (
	fieldMessageWantlist       protowire.Number = 1
	fieldMessageBlocks         protowire.Number = 2 // legacy raw blocks, ignored
	fieldMessagePayload        protowire.Number = 3
	fieldMessageBlockPresences protowire.Number = 4
	fieldMessagePendingBytes   protowire.Number = 5

	fieldWantlistEntries protowire.Number = 1
	fieldWantlistFull    protowire.Number = 2

	fieldEntryBlock        protowire.Number = 1
	fieldEntryPriority     protowire.Number = 2
	fieldEntryCancel       protowire.Number = 3
	fieldEntryWantType     protowire.Number = 4
	fieldEntrySendDontHave protowire.Number = 5

	fieldBlockPrefix protowire.Number = 1
	fieldBlockData   protowire.Number = 2

	fieldPresenceCID  protowire.Number = 1
	fieldPresenceType protowire.Number = 2
)

var (
	// ErrMaxElementsExceeded is returned when a decoded message carries more
	// repeated elements than the configured limits allow.
	ErrMaxElementsExceeded = errors.New("message exceeds maximum element count")
	// ErrMalformed wraps low level protobuf parse errors.
	ErrMalformed = errors.New("malformed bitswap message")
)

// Limits caps repeated fields while decoding. Zero means unbounded.
type Limits struct {
	Blocks          int
	BlockPresences  int
	WantlistEntries int
}

// DecodeOptions configure Decode.
type DecodeOptions struct {
	Limits Limits
}

// Encode serializes m using the bitswap protobuf layout. Zero valued
// scalars are omitted as proto3 does.
func Encode(m *Message) []byte {
	var b []byte
	if m.Wantlist != nil {
		b = protowire.AppendTag(b, fieldMessageWantlist, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeWantlist(m.Wantlist))
	}
	for _, blk := range m.Blocks {
		var sub []byte
		if len(blk.Prefix) > 0 {
			sub = protowire.AppendTag(sub, fieldBlockPrefix, protowire.BytesType)
			sub = protowire.AppendBytes(sub, blk.Prefix)
		}
		if len(blk.Data) > 0 {
			sub = protowire.AppendTag(sub, fieldBlockData, protowire.BytesType)
			sub = protowire.AppendBytes(sub, blk.Data)
		}
		b = protowire.AppendTag(b, fieldMessagePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	for _, p := range m.BlockPresences {
		var sub []byte
		if len(p.CID) > 0 {
			sub = protowire.AppendTag(sub, fieldPresenceCID, protowire.BytesType)
			sub = protowire.AppendBytes(sub, p.CID)
		}
		if p.Type != PresenceHave {
			sub = protowire.AppendTag(sub, fieldPresenceType, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(p.Type))
		}
		b = protowire.AppendTag(b, fieldMessageBlockPresences, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if m.PendingBytes != 0 {
		b = protowire.AppendTag(b, fieldMessagePendingBytes, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.PendingBytes)))
	}
	return b
}

func encodeWantlist(w *Wantlist) []byte {
	var b []byte
	for _, e := range w.Entries {
		var sub []byte
		if len(e.CID) > 0 {
			sub = protowire.AppendTag(sub, fieldEntryBlock, protowire.BytesType)
			sub = protowire.AppendBytes(sub, e.CID)
		}
		if e.Priority != 0 {
			sub = protowire.AppendTag(sub, fieldEntryPriority, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(int64(e.Priority)))
		}
		if e.Cancel {
			sub = protowire.AppendTag(sub, fieldEntryCancel, protowire.VarintType)
			sub = protowire.AppendVarint(sub, protowire.EncodeBool(true))
		}
		if e.WantType != WantTypeBlock {
			sub = protowire.AppendTag(sub, fieldEntryWantType, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(e.WantType))
		}
		if e.SendDontHave {
			sub = protowire.AppendTag(sub, fieldEntrySendDontHave, protowire.VarintType)
			sub = protowire.AppendVarint(sub, protowire.EncodeBool(true))
		}
		b = protowire.AppendTag(b, fieldWantlistEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if w.Full {
		b = protowire.AppendTag(b, fieldWantlistFull, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// fieldFunc handles one decoded field. It returns the number of bytes of b
// consumed or a negative protowire error code. Returning skip leaves the
// field to the generic skipper.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

const skip = 0

// walk iterates the fields of a protobuf message, skipping unknown ones.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == skip {
			used = protowire.ConsumeFieldValue(num, typ, b)
		}
		if used < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(used))
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(b []byte, dst *[]byte) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeVarint(b []byte, dst *uint64) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	*dst = v
	return n, nil
}

// Decode parses a bitswap message. Only structure is checked here; CIDs and
// block hashes are validated by the consumers.
func Decode(data []byte, opts DecodeOptions) (*Message, error) {
	m := &Message{}
	lim := opts.Limits
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldMessageWantlist && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if m.Wantlist == nil {
				m.Wantlist = &Wantlist{}
			}
			if err := decodeWantlist(sub, m.Wantlist, lim.WantlistEntries); err != nil {
				return 0, err
			}
			return n, nil

		case num == fieldMessagePayload && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if lim.Blocks > 0 && len(m.Blocks) >= lim.Blocks {
				return 0, fmt.Errorf("%w: more than %d blocks", ErrMaxElementsExceeded, lim.Blocks)
			}
			var blk Block
			err := walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if typ != protowire.BytesType {
					return skip, nil
				}
				switch num {
				case fieldBlockPrefix:
					return consumeBytes(b, &blk.Prefix)
				case fieldBlockData:
					return consumeBytes(b, &blk.Data)
				}
				return skip, nil
			})
			if err != nil {
				return 0, err
			}
			m.Blocks = append(m.Blocks, blk)
			return n, nil

		case num == fieldMessageBlockPresences && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if lim.BlockPresences > 0 && len(m.BlockPresences) >= lim.BlockPresences {
				return 0, fmt.Errorf("%w: more than %d block presences", ErrMaxElementsExceeded, lim.BlockPresences)
			}
			var p BlockPresence
			err := walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == fieldPresenceCID && typ == protowire.BytesType:
					return consumeBytes(b, &p.CID)
				case num == fieldPresenceType && typ == protowire.VarintType:
					var v uint64
					n, err := consumeVarint(b, &v)
					p.Type = PresenceType(int32(v))
					return n, err
				}
				return skip, nil
			})
			if err != nil {
				return 0, err
			}
			m.BlockPresences = append(m.BlockPresences, p)
			return n, nil

		case num == fieldMessagePendingBytes && typ == protowire.VarintType:
			var v uint64
			n, err := consumeVarint(b, &v)
			m.PendingBytes = int32(v)
			return n, err
		}
		return skip, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeWantlist(data []byte, w *Wantlist, maxEntries int) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldWantlistEntries && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if maxEntries > 0 && len(w.Entries) >= maxEntries {
				return 0, fmt.Errorf("%w: more than %d wantlist entries", ErrMaxElementsExceeded, maxEntries)
			}
			e, err := decodeEntry(sub)
			if err != nil {
				return 0, err
			}
			w.Entries = append(w.Entries, e)
			return n, nil

		case num == fieldWantlistFull && typ == protowire.VarintType:
			var v uint64
			n, err := consumeVarint(b, &v)
			w.Full = protowire.DecodeBool(v)
			return n, err
		}
		return skip, nil
	})
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldEntryBlock && typ == protowire.BytesType {
			return consumeBytes(b, &e.CID)
		}
		if typ != protowire.VarintType {
			return skip, nil
		}
		var v uint64
		switch num {
		case fieldEntryPriority:
			n, err := consumeVarint(b, &v)
			e.Priority = int32(v)
			return n, err
		case fieldEntryCancel:
			n, err := consumeVarint(b, &v)
			e.Cancel = protowire.DecodeBool(v)
			return n, err
		case fieldEntryWantType:
			n, err := consumeVarint(b, &v)
			e.WantType = WantType(int32(v))
			return n, err
		case fieldEntrySendDontHave:
			n, err := consumeVarint(b, &v)
			e.SendDontHave = protowire.DecodeBool(v)
			return n, err
		}
		return skip, nil
	})
	return e, err
}
