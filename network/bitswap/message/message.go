// Package message holds the bitswap wire messages, their protobuf codec, the
// length-prefixed framing used on streams, and the merge rule applied to
// messages queued for the same peer.
package message

// WantType says whether the requester wants the block itself or only to
// learn whether the recipient has it.
type WantType int32

const (
	WantTypeBlock WantType = 0
	WantTypeHave  WantType = 1
)

func (w WantType) String() string {
	if w == WantTypeHave {
		return "have"
	}
	return "block"
}

// PresenceType answers a want-have.
type PresenceType int32

const (
	PresenceHave     PresenceType = 0
	PresenceDontHave PresenceType = 1
)

func (p PresenceType) String() string {
	if p == PresenceDontHave {
		return "dont-have"
	}
	return "have"
}

// Entry is one want in a wantlist. CID holds the binary CID.
type Entry struct {
	CID          []byte
	Priority     int32
	Cancel       bool
	WantType     WantType
	SendDontHave bool
}

// Wantlist is a set of wants. Full means the list replaces everything the
// recipient tracks for the sender.
type Wantlist struct {
	Entries []Entry
	Full    bool
}

// Block carries block data together with the CID prefix needed to rebuild
// the CID from the data.
type Block struct {
	Prefix []byte
	Data   []byte
}

// BlockPresence answers a want-have for one CID.
type BlockPresence struct {
	CID  []byte
	Type PresenceType
}

// Message is the unit exchanged on bitswap streams.
type Message struct {
	Wantlist       *Wantlist
	Blocks         []Block
	BlockPresences []BlockPresence
	PendingBytes   int32
}

// Empty reports whether sending m would carry no information.
func (m *Message) Empty() bool {
	if m == nil {
		return true
	}
	return (m.Wantlist == nil || (len(m.Wantlist.Entries) == 0 && !m.Wantlist.Full)) &&
		len(m.Blocks) == 0 && len(m.BlockPresences) == 0 && m.PendingBytes == 0
}

// BlockBytes sums the data length of all blocks in m.
func (m *Message) BlockBytes() int {
	n := 0
	for _, b := range m.Blocks {
		n += len(b.Data)
	}
	return n
}

// Clone returns a deep copy of the message structure. Byte slices are shared
// since they are never mutated after construction.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{PendingBytes: m.PendingBytes}
	if m.Wantlist != nil {
		out.Wantlist = &Wantlist{
			Full:    m.Wantlist.Full,
			Entries: append([]Entry(nil), m.Wantlist.Entries...),
		}
	}
	out.Blocks = append([]Block(nil), m.Blocks...)
	out.BlockPresences = append([]BlockPresence(nil), m.BlockPresences...)
	return out
}
