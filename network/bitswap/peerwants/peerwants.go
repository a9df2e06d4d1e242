// Package peerwants tracks what remote peers have asked this node for and
// answers them from the local blockstore.
package peerwants

import (
	"context"
	"errors"
	"sort"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"openhashdb-bitswap/core/block"
	"openhashdb-bitswap/core/blockstore"
	"openhashdb-bitswap/core/cidutil"
	"openhashdb-bitswap/network/bitswap/message"
	"openhashdb-bitswap/network/mtr"
)

var log = logging.Logger("bitswap/peerwants")

// DefaultWantHaveReplaceSize is the block size from which a want-have is
// answered with a presence rather than the block itself.
const DefaultWantHaveReplaceSize = 1024

// Sender delivers a message to a peer.
type Sender interface {
	SendMessage(ctx context.Context, p peer.ID, msg *message.Message) error
}

// Entry is one want tracked for a remote peer.
type Entry struct {
	CID          cid.Cid
	Priority     int32
	WantType     message.WantType
	SendDontHave bool
}

// Ledger is the traffic account kept for a remote peer.
type Ledger struct {
	Peer          peer.ID
	BytesSent     uint64
	BytesReceived uint64
	// Exchanged counts every want entry seen from the peer.
	Exchanged uint64
}

type peerState struct {
	ledger Ledger
	wants  map[string]Entry
}

// Option configures PeerWantLists.
type Option func(*PeerWantLists)

// WithWantHaveReplaceSize sets the block size at or above which want-have
// entries get a presence instead of block data.
func WithWantHaveReplaceSize(n int) Option {
	return func(w *PeerWantLists) { w.replaceSize = n }
}

// PeerWantLists holds the ledger and want-list of every peer that has sent
// us a message.
type PeerWantLists struct {
	store       blockstore.Blockstore
	sender      Sender
	replaceSize int

	mu    sync.Mutex
	peers map[peer.ID]*peerState
	wg    sync.WaitGroup
}

func New(store blockstore.Blockstore, sender Sender, opts ...Option) *PeerWantLists {
	w := &PeerWantLists{
		store:       store,
		sender:      sender,
		replaceSize: DefaultWantHaveReplaceSize,
		peers:       make(map[peer.ID]*peerState),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *PeerWantLists) state(p peer.ID) *peerState {
	st, ok := w.peers[p]
	if !ok {
		st = &peerState{ledger: Ledger{Peer: p}, wants: make(map[string]Entry)}
		w.peers[p] = st
	}
	return st
}

// MessageReceived applies an inbound message to the peer's ledger and
// want-list, then answers newly added wants in the background.
func (w *PeerWantLists) MessageReceived(ctx context.Context, p peer.ID, msg *message.Message) {
	var fresh []Entry

	w.mu.Lock()
	st := w.state(p)
	st.ledger.BytesReceived += uint64(msg.BlockBytes())
	if wl := msg.Wantlist; wl != nil {
		st.ledger.Exchanged += uint64(len(wl.Entries))
		prev := st.wants
		if wl.Full {
			st.wants = make(map[string]Entry, len(wl.Entries))
		}
		for _, e := range wl.Entries {
			c, err := cidutil.Cast(e.CID)
			if err != nil {
				log.Debugf("ignoring want with bad cid from %s: %s", p, err)
				continue
			}
			key := cidutil.Key(c)
			if e.Cancel {
				delete(st.wants, key)
				continue
			}
			_, existed := prev[key]
			entry := Entry{CID: c, Priority: e.Priority, WantType: e.WantType, SendDontHave: e.SendDontHave}
			st.wants[key] = entry
			if !existed {
				fresh = append(fresh, entry)
			}
		}
	}
	w.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.respond(ctx, p, fresh, nil)
	}()
}

// ReceivedBlock serves b to every peer currently wanting it.
func (w *PeerWantLists) ReceivedBlock(ctx context.Context, b blocks.Block) {
	key := cidutil.Key(b.Cid())

	w.mu.Lock()
	targets := make(map[peer.ID]Entry)
	for p, st := range w.peers {
		if e, ok := st.wants[key]; ok {
			targets[p] = e
		}
	}
	w.mu.Unlock()

	var g errgroup.Group
	for p, e := range targets {
		g.Go(func() error {
			w.respond(ctx, p, []Entry{e}, b)
			return nil
		})
	}
	_ = g.Wait()
}

// respond builds one message answering entries and sends it. known, when
// set, is used instead of a blockstore lookup for its CID.
func (w *PeerWantLists) respond(ctx context.Context, p peer.ID, entries []Entry, known blocks.Block) {
	msg := &message.Message{}
	var served []string

	for _, e := range entries {
		var b blocks.Block
		var err error
		if known != nil && known.Cid().Equals(e.CID) {
			b = known
		} else {
			b, err = w.store.Get(ctx, e.CID)
		}

		switch {
		case err == nil:
			if e.WantType == message.WantTypeHave && len(b.RawData()) >= w.replaceSize {
				msg.BlockPresences = append(msg.BlockPresences, message.BlockPresence{
					CID:  e.CID.Bytes(),
					Type: message.PresenceHave,
				})
			} else {
				msg.Blocks = append(msg.Blocks, message.Block{Prefix: block.Prefix(b), Data: b.RawData()})
			}
			served = append(served, cidutil.Key(e.CID))
		case errors.Is(err, blockstore.ErrNotFound):
			if e.SendDontHave {
				msg.BlockPresences = append(msg.BlockPresences, message.BlockPresence{
					CID:  e.CID.Bytes(),
					Type: message.PresenceDontHave,
				})
			}
		default:
			log.Warnf("failed to look up %s for %s: %s", e.CID, p, err)
		}
	}

	if msg.Empty() {
		return
	}
	if err := w.sender.SendMessage(ctx, p, msg); err != nil {
		log.Debugf("failed to answer wants of %s: %s", p, err)
		return
	}

	mtr.BitswapBlocksSentTotal.Add(float64(len(msg.Blocks)))
	for _, bp := range msg.BlockPresences {
		mtr.BitswapPresencesSentTotal.WithLabelValues(bp.Type.String()).Inc()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.peers[p]
	if !ok {
		return
	}
	st.ledger.BytesSent += uint64(msg.BlockBytes())
	for _, key := range served {
		delete(st.wants, key)
	}
}

// PeerDisconnected forgets everything tracked for p.
func (w *PeerWantLists) PeerDisconnected(p peer.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.peers, p)
}

// LedgerForPeer returns a copy of p's ledger.
func (w *PeerWantLists) LedgerForPeer(p peer.ID) (Ledger, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.peers[p]
	if !ok {
		return Ledger{}, false
	}
	return st.ledger, true
}

// WantListForPeer returns p's wants, highest priority first.
func (w *PeerWantLists) WantListForPeer(p peer.ID) ([]Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.peers[p]
	if !ok {
		return nil, false
	}
	out := make([]Entry, 0, len(st.wants))
	for _, e := range st.wants {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CID.KeyString() < out[j].CID.KeyString()
	})
	return out, true
}

// Peers lists every peer with a tracked want-list.
func (w *PeerWantLists) Peers() []peer.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]peer.ID, 0, len(w.peers))
	for p := range w.peers {
		out = append(out, p)
	}
	return out
}

// Wait blocks until background responses have finished.
func (w *PeerWantLists) Wait() { w.wg.Wait() }
