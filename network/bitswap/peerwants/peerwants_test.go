package peerwants

import (
	"bytes"
	"context"
	"sync"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openhashdb-bitswap/core/block"
	"openhashdb-bitswap/core/blockstore"
	"openhashdb-bitswap/network/bitswap/message"
)

type sentMessage struct {
	to  peer.ID
	msg *message.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) SendMessage(_ context.Context, p peer.ID, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: p, msg: msg})
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func mustBlock(t *testing.T, size int) blocks.Block {
	t.Helper()
	b, err := block.New(bytes.Repeat([]byte{byte(size)}, size))
	require.NoError(t, err)
	return b
}

func want(b blocks.Block, wt message.WantType, sendDontHave bool) message.Entry {
	return message.Entry{CID: b.Cid().Bytes(), Priority: 1, WantType: wt, SendDontHave: sendDontHave}
}

func setup(t *testing.T, stored ...blocks.Block) (*PeerWantLists, *fakeSender) {
	t.Helper()
	store := blockstore.NewMemStore()
	for _, b := range stored {
		require.NoError(t, store.Put(context.Background(), b))
	}
	sender := &fakeSender{}
	return New(store, sender, WithWantHaveReplaceSize(64)), sender
}

func TestWantHaveSmallBlockGetsBlock(t *testing.T) {
	small := mustBlock(t, 10)
	w, sender := setup(t, small)
	p := peer.ID("peer")

	w.MessageReceived(context.Background(), p, &message.Message{
		Wantlist: &message.Wantlist{Entries: []message.Entry{want(small, message.WantTypeHave, true)}},
	})
	w.Wait()

	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].msg.Blocks, 1)
	assert.Empty(t, sent[0].msg.BlockPresences)
	assert.Equal(t, small.RawData(), sent[0].msg.Blocks[0].Data)

	got, err := block.FromPrefixData(sent[0].msg.Blocks[0].Prefix, sent[0].msg.Blocks[0].Data)
	require.NoError(t, err)
	assert.True(t, small.Cid().Equals(got.Cid()))

	// served wants are dropped and counted
	entries, ok := w.WantListForPeer(p)
	require.True(t, ok)
	assert.Empty(t, entries)
	ledger, _ := w.LedgerForPeer(p)
	assert.Equal(t, uint64(10), ledger.BytesSent)
	assert.Equal(t, uint64(1), ledger.Exchanged)
}

func TestWantHaveLargeBlockGetsPresence(t *testing.T) {
	large := mustBlock(t, 64)
	w, sender := setup(t, large)

	w.MessageReceived(context.Background(), peer.ID("peer"), &message.Message{
		Wantlist: &message.Wantlist{Entries: []message.Entry{want(large, message.WantTypeHave, false)}},
	})
	w.Wait()

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].msg.Blocks)
	assert.Equal(t, []message.BlockPresence{{CID: large.Cid().Bytes(), Type: message.PresenceHave}}, sent[0].msg.BlockPresences)
}

func TestWantBlockLargeBlockGetsBlock(t *testing.T) {
	large := mustBlock(t, 200)
	w, sender := setup(t, large)

	w.MessageReceived(context.Background(), peer.ID("peer"), &message.Message{
		Wantlist: &message.Wantlist{Entries: []message.Entry{want(large, message.WantTypeBlock, false)}},
	})
	w.Wait()

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Len(t, sent[0].msg.Blocks, 1)
}

func TestMissingBlock(t *testing.T) {
	missing := mustBlock(t, 5)
	w, sender := setup(t)
	p := peer.ID("peer")

	// silence without send-dont-have
	w.MessageReceived(context.Background(), p, &message.Message{
		Wantlist: &message.Wantlist{Entries: []message.Entry{want(missing, message.WantTypeBlock, false)}},
	})
	w.Wait()
	assert.Empty(t, sender.messages())

	// dont-have when asked for it
	other := mustBlock(t, 6)
	w.MessageReceived(context.Background(), p, &message.Message{
		Wantlist: &message.Wantlist{Entries: []message.Entry{want(other, message.WantTypeHave, true)}},
	})
	w.Wait()
	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, []message.BlockPresence{{CID: other.Cid().Bytes(), Type: message.PresenceDontHave}}, sent[0].msg.BlockPresences)

	// both wants stay tracked until the block shows up
	entries, _ := w.WantListForPeer(p)
	assert.Len(t, entries, 2)
}

func TestReceivedBlockServesWaitingPeers(t *testing.T) {
	b := mustBlock(t, 8)
	w, sender := setup(t)
	p1, p2 := peer.ID("p1"), peer.ID("p2")

	for _, p := range []peer.ID{p1, p2} {
		w.MessageReceived(context.Background(), p, &message.Message{
			Wantlist: &message.Wantlist{Entries: []message.Entry{want(b, message.WantTypeBlock, false)}},
		})
	}
	w.Wait()
	require.Empty(t, sender.messages())

	w.ReceivedBlock(context.Background(), b)

	sent := sender.messages()
	require.Len(t, sent, 2)
	recipients := map[peer.ID]bool{}
	for _, s := range sent {
		recipients[s.to] = true
		require.Len(t, s.msg.Blocks, 1)
	}
	assert.True(t, recipients[p1] && recipients[p2])

	for _, p := range []peer.ID{p1, p2} {
		entries, _ := w.WantListForPeer(p)
		assert.Empty(t, entries)
	}
}

func TestFullWantlistReplacesAndCancelRemoves(t *testing.T) {
	a, b, c := mustBlock(t, 1), mustBlock(t, 2), mustBlock(t, 3)
	w, _ := setup(t)
	p := peer.ID("peer")
	ctx := context.Background()

	w.MessageReceived(ctx, p, &message.Message{
		Wantlist: &message.Wantlist{Entries: []message.Entry{want(a, 0, false), want(b, 0, false)}},
	})
	w.MessageReceived(ctx, p, &message.Message{
		Wantlist: &message.Wantlist{Full: true, Entries: []message.Entry{want(c, 0, false)}},
	})
	entries, _ := w.WantListForPeer(p)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].CID.Equals(c.Cid()))

	cancel := want(c, 0, false)
	cancel.Cancel = true
	w.MessageReceived(ctx, p, &message.Message{
		Wantlist: &message.Wantlist{Entries: []message.Entry{cancel}},
	})
	entries, _ = w.WantListForPeer(p)
	assert.Empty(t, entries)

	ledger, ok := w.LedgerForPeer(p)
	require.True(t, ok)
	assert.Equal(t, uint64(4), ledger.Exchanged)
	w.Wait()
}

func TestLedgerCountsReceivedBytesAndDisconnect(t *testing.T) {
	w, _ := setup(t)
	p := peer.ID("peer")
	w.MessageReceived(context.Background(), p, &message.Message{
		Blocks: []message.Block{{Data: []byte("abc")}, {Data: []byte("de")}},
	})
	ledger, ok := w.LedgerForPeer(p)
	require.True(t, ok)
	assert.Equal(t, uint64(5), ledger.BytesReceived)
	assert.Equal(t, []peer.ID{p}, w.Peers())

	w.PeerDisconnected(p)
	_, ok = w.LedgerForPeer(p)
	assert.False(t, ok)
	_, ok = w.WantListForPeer(p)
	assert.False(t, ok)
}
