package message

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleMessage() *Message {
	return &Message{
		Wantlist: &Wantlist{
			Full: true,
			Entries: []Entry{
				{CID: []byte("cid-a"), Priority: 7, WantType: WantTypeHave, SendDontHave: true},
				{CID: []byte("cid-b"), Priority: -3, Cancel: true},
			},
		},
		Blocks: []Block{
			{Prefix: []byte{0x01, 0x55, 0x12, 0x20}, Data: []byte("block data")},
		},
		BlockPresences: []BlockPresence{
			{CID: []byte("cid-c"), Type: PresenceDontHave},
			{CID: []byte("cid-d"), Type: PresenceHave},
		},
		PendingBytes: 1024,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sampleMessage()
	out, err := Decode(Encode(in), DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeDefaults(t *testing.T) {
	// an entry with only a cid and a presence with only a cid
	in := &Message{
		Wantlist:       &Wantlist{Entries: []Entry{{CID: []byte("x")}}},
		BlockPresences: []BlockPresence{{CID: []byte("y")}},
	}
	out, err := Decode(Encode(in), DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, out.Wantlist.Entries, 1)
	e := out.Wantlist.Entries[0]
	assert.Equal(t, int32(0), e.Priority)
	assert.Equal(t, WantTypeBlock, e.WantType)
	assert.False(t, e.Cancel)
	assert.Equal(t, PresenceHave, out.BlockPresences[0].Type)
	assert.Equal(t, int32(0), out.PendingBytes)
	assert.False(t, out.Wantlist.Full)
}

func TestDecodeSkipsUnknownAndLegacyFields(t *testing.T) {
	data := Encode(sampleMessage())
	// legacy blocks field
	data = protowire.AppendTag(data, fieldMessageBlocks, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("legacy"))
	// unknown fixed32 field
	data = protowire.AppendTag(data, 42, protowire.Fixed32Type)
	data = protowire.AppendFixed32(data, 99)

	out, err := Decode(data, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, sampleMessage(), out)
}

func TestDecodeLimits(t *testing.T) {
	data := Encode(sampleMessage())

	_, err := Decode(data, DecodeOptions{Limits: Limits{Blocks: 1, BlockPresences: 2, WantlistEntries: 2}})
	require.NoError(t, err)

	_, err = Decode(data, DecodeOptions{Limits: Limits{BlockPresences: 1}})
	require.ErrorIs(t, err, ErrMaxElementsExceeded)

	_, err = Decode(data, DecodeOptions{Limits: Limits{WantlistEntries: 1}})
	require.ErrorIs(t, err, ErrMaxElementsExceeded)
}

func TestDecodeTruncated(t *testing.T) {
	data := Encode(sampleMessage())
	_, err := Decode(data[:len(data)-4], DecodeOptions{})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteFrame(&buf, sampleMessage())
	require.NoError(t, err)
	_, err = WriteFrame(&buf, &Message{PendingBytes: 5})
	require.NoError(t, err)

	r := bufio.NewReader(&buf)
	m1, _, err := ReadFrame(r, 0, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, sampleMessage(), m1)

	m2, _, err := ReadFrame(r, 0, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(5), m2.PendingBytes)

	_, _, err = ReadFrame(r, 0, DecodeOptions{})
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteFrame(&buf, sampleMessage())
	require.NoError(t, err)
	_, _, err = ReadFrame(bufio.NewReader(&buf), 4, DecodeOptions{})
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestMergeLaw(t *testing.T) {
	b1 := Block{Prefix: []byte("p"), Data: []byte("b1")}
	b2 := Block{Prefix: []byte("p"), Data: []byte("b2")}
	a := &Message{
		Blocks: []Block{b1},
		Wantlist: &Wantlist{Full: true, Entries: []Entry{
			{CID: []byte("x"), Priority: 5},
			{CID: []byte("y"), Priority: 100},
		}},
	}
	b := &Message{
		Blocks: []Block{b2},
		Wantlist: &Wantlist{Full: false, Entries: []Entry{
			{CID: []byte("y"), Priority: 0},
			{CID: []byte("z"), Priority: 0},
		}},
	}

	got := Merge(a.Clone(), b)
	assert.Equal(t, []Block{b1, b2}, got.Blocks)
	require.NotNil(t, got.Wantlist)
	assert.True(t, got.Wantlist.Full)
	assert.Equal(t, []Entry{
		{CID: []byte("x"), Priority: 5},
		{CID: []byte("y"), Priority: 100},
		{CID: []byte("z"), Priority: 0},
	}, got.Wantlist.Entries)
}

func TestMergePresencesLastWins(t *testing.T) {
	a := &Message{BlockPresences: []BlockPresence{
		{CID: []byte("c1"), Type: PresenceDontHave},
		{CID: []byte("c2"), Type: PresenceHave},
	}}
	b := &Message{BlockPresences: []BlockPresence{
		{CID: []byte("c1"), Type: PresenceHave},
		{CID: []byte("c3"), Type: PresenceDontHave},
	}}
	got := Merge(a, b)
	assert.Equal(t, []BlockPresence{
		{CID: []byte("c1"), Type: PresenceHave},
		{CID: []byte("c2"), Type: PresenceHave},
		{CID: []byte("c3"), Type: PresenceDontHave},
	}, got.BlockPresences)
}

func TestMergeCancelOrderAndPendingBytes(t *testing.T) {
	a := &Message{PendingBytes: 10, Wantlist: &Wantlist{Entries: []Entry{{CID: []byte("x"), Priority: 1}}}}
	b := &Message{PendingBytes: 5, Wantlist: &Wantlist{Entries: []Entry{{CID: []byte("x"), Cancel: true}}}}
	got := Merge(a, b)
	assert.Equal(t, int32(15), got.PendingBytes)
	require.Len(t, got.Wantlist.Entries, 1)
	assert.True(t, got.Wantlist.Entries[0].Cancel)

	// a later re-want undoes the cancel
	got = Merge(got, &Message{Wantlist: &Wantlist{Entries: []Entry{{CID: []byte("x")}}}})
	assert.False(t, got.Wantlist.Entries[0].Cancel)
}

func TestMergeNilDst(t *testing.T) {
	src := sampleMessage()
	got := Merge(nil, src)
	assert.Equal(t, src, got)
	got.Blocks = append(got.Blocks, Block{})
	assert.Len(t, src.Blocks, 1)
}

func TestEmpty(t *testing.T) {
	assert.True(t, (&Message{}).Empty())
	assert.True(t, (&Message{Wantlist: &Wantlist{}}).Empty())
	assert.False(t, (&Message{Wantlist: &Wantlist{Full: true}}).Empty())
	assert.False(t, sampleMessage().Empty())
}
