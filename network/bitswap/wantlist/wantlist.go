// Package wantlist tracks the blocks this node is waiting for, advertises
// them to peers, and resolves waiters when blocks or presences arrive.
package wantlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"openhashdb-bitswap/core/block"
	"openhashdb-bitswap/core/cidutil"
	"openhashdb-bitswap/network/bitswap/message"
	"openhashdb-bitswap/network/mtr"
)

var log = logging.Logger("bitswap/wantlist")

var (
	// ErrAborted is returned when the caller's context ends before the want
	// resolves. The context error is wrapped alongside it.
	ErrAborted = errors.New("want aborted")
	// ErrDontHave is returned by a targeted want when the peer answers that
	// it does not have the block.
	ErrDontHave = errors.New("peer does not have block")
	// ErrPeerDisconnected fails targeted waits on a peer that went away.
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrNoProviders is returned by a broadcast want once discovery is over
	// and every peer it was sent to has declined or gone away.
	ErrNoProviders = errors.New("no peer can provide block")
)

// Network is what the wantlist needs from the transport.
type Network interface {
	SendMessage(ctx context.Context, p peer.ID, msg *message.Message) error
	ConnectedPeers() []peer.ID
}

// Entry is a snapshot of one local want.
type Entry struct {
	CID      cid.Cid
	Priority int32
	WantType message.WantType
}

// WantOptions narrow a block want.
type WantOptions struct {
	// Peer, when set, sends the want only to that peer and fails with
	// ErrDontHave if it answers that it lacks the block.
	Peer     peer.ID
	Priority int32
	// Exhausted is closed by the caller when no further providers will be
	// connected for this want.
	Exhausted <-chan struct{}
}

type outcome struct {
	block blocks.Block
	has   bool
	err   error
}

type waiter struct {
	peer     peer.ID
	presence bool
	ch       chan outcome
}

func (w *waiter) resolve(o outcome) {
	select {
	case w.ch <- o:
	default:
	}
}

type entry struct {
	cid      cid.Cid
	priority int32
	waiters  map[*waiter]struct{}
	sentTo   map[peer.ID]struct{}
	declined map[peer.ID]struct{}
	// shrunk is closed and replaced whenever a peer leaves sentTo.
	shrunk chan struct{}
}

func (e *entry) dropPeer(p peer.ID, declined bool) {
	if declined {
		e.declined[p] = struct{}{}
	} else {
		delete(e.declined, p)
	}
	if _, ok := e.sentTo[p]; !ok {
		return
	}
	delete(e.sentTo, p)
	close(e.shrunk)
	e.shrunk = make(chan struct{})
}

func (e *entry) broadcast() bool {
	for w := range e.waiters {
		if !w.presence && w.peer == "" {
			return true
		}
	}
	return false
}

func (e *entry) wantType() message.WantType {
	for w := range e.waiters {
		if !w.presence {
			return message.WantTypeBlock
		}
	}
	return message.WantTypeHave
}

// WantList is the local node's set of outstanding wants.
type WantList struct {
	net Network

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a WantList. Background sends run under ctx until Close.
func New(ctx context.Context, net Network) *WantList {
	ctx, cancel := context.WithCancel(ctx)
	return &WantList{
		net:     net,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Close stops background sends and waits for them.
func (wl *WantList) Close() {
	wl.cancel()
	wl.wg.Wait()
}

// Wait blocks until background sends started so far have finished.
func (wl *WantList) Wait() { wl.wg.Wait() }

func (wl *WantList) join(c cid.Cid, w *waiter, priority int32) *entry {
	key := cidutil.Key(c)
	e, ok := wl.entries[key]
	if !ok {
		e = &entry{
			cid:      c,
			priority: priority,
			waiters:  make(map[*waiter]struct{}),
			sentTo:   make(map[peer.ID]struct{}),
			declined: make(map[peer.ID]struct{}),
			shrunk:   make(chan struct{}),
		}
		wl.entries[key] = e
		mtr.BitswapWantlistSize.Set(float64(len(wl.entries)))
	}
	if priority > e.priority {
		e.priority = priority
	}
	e.waiters[w] = struct{}{}
	return e
}

// dropLocked removes e and returns the peers that must be told to cancel.
func (wl *WantList) dropLocked(e *entry, except peer.ID) []peer.ID {
	key := cidutil.Key(e.cid)
	if cur, ok := wl.entries[key]; !ok || cur != e {
		return nil
	}
	delete(wl.entries, key)
	mtr.BitswapWantlistSize.Set(float64(len(wl.entries)))

	// peers that declined still hold the want on their side
	seen := make(map[peer.ID]struct{}, len(e.sentTo)+len(e.declined))
	peers := make([]peer.ID, 0, len(e.sentTo)+len(e.declined))
	for _, set := range []map[peer.ID]struct{}{e.sentTo, e.declined} {
		for p := range set {
			if _, dup := seen[p]; dup || p == except {
				continue
			}
			seen[p] = struct{}{}
			peers = append(peers, p)
		}
	}
	return peers
}

// leave removes a waiter that gave up. The last waiter out takes the entry
// with it.
func (wl *WantList) leave(e *entry, w *waiter) {
	wl.mu.Lock()
	if _, ok := e.waiters[w]; !ok {
		wl.mu.Unlock()
		return
	}
	delete(e.waiters, w)
	var cancels []peer.ID
	if len(e.waiters) == 0 {
		cancels = wl.dropLocked(e, "")
	}
	wl.mu.Unlock()
	wl.sendCancels(e.cid, cancels)
}

// WantBlock waits for the block c. Concurrent callers share one network want.
func (wl *WantList) WantBlock(ctx context.Context, c cid.Cid, opts WantOptions) (blocks.Block, error) {
	w := &waiter{peer: opts.Peer, ch: make(chan outcome, 1)}

	wl.mu.Lock()
	wasBroadcast := false
	if e, ok := wl.entries[cidutil.Key(c)]; ok {
		wasBroadcast = e.broadcast()
	}
	e := wl.join(c, w, opts.Priority)
	var targets []peer.ID
	want := message.Entry{CID: c.Bytes(), Priority: e.priority, WantType: message.WantTypeBlock, SendDontHave: true}
	if opts.Peer != "" {
		targets = []peer.ID{opts.Peer}
	} else if !wasBroadcast {
		targets = wl.net.ConnectedPeers()
	}
	for _, p := range targets {
		e.sentTo[p] = struct{}{}
	}
	wl.mu.Unlock()

	wl.sendWant(c, targets, want)
	o, err := wl.wait(ctx, e, w, opts.Exhausted)
	if err != nil {
		return nil, err
	}
	return o.block, nil
}

// WantPresence asks p whether it has c.
func (wl *WantList) WantPresence(ctx context.Context, c cid.Cid, p peer.ID) (bool, error) {
	w := &waiter{peer: p, presence: true, ch: make(chan outcome, 1)}

	wl.mu.Lock()
	e := wl.join(c, w, 0)
	e.sentTo[p] = struct{}{}
	wl.mu.Unlock()

	wl.sendWant(c, []peer.ID{p}, message.Entry{
		CID:          c.Bytes(),
		Priority:     e.priority,
		WantType:     message.WantTypeHave,
		SendDontHave: true,
	})
	o, err := wl.wait(ctx, e, w, nil)
	if err != nil {
		return false, err
	}
	return o.has, nil
}

// wait blocks until w resolves or ctx ends. Once exhausted is closed, it also
// gives up when nobody is left holding the want.
func (wl *WantList) wait(ctx context.Context, e *entry, w *waiter, exhausted <-chan struct{}) (outcome, error) {
	var shrunk <-chan struct{}
	for {
		select {
		case o := <-w.ch:
			return o, o.err
		case <-ctx.Done():
			return wl.abandon(e, w, fmt.Errorf("%w: %w", ErrAborted, ctx.Err()))
		case <-exhausted:
			exhausted = nil
		case <-shrunk:
		}

		wl.mu.Lock()
		remaining := len(e.sentTo)
		shrunk = e.shrunk
		wl.mu.Unlock()
		if remaining == 0 {
			return wl.abandon(e, w, fmt.Errorf("%w: %s", ErrNoProviders, e.cid))
		}
	}
}

func (wl *WantList) abandon(e *entry, w *waiter, err error) (outcome, error) {
	wl.leave(e, w)
	// a result delivered before leave took the lock still counts
	select {
	case o := <-w.ch:
		return o, o.err
	default:
	}
	return outcome{}, err
}

func (wl *WantList) sendWant(c cid.Cid, peers []peer.ID, want message.Entry) {
	for _, p := range peers {
		msg := &message.Message{Wantlist: &message.Wantlist{Entries: []message.Entry{want}}}
		wl.send(p, msg, func() { wl.unreachable(c, p) })
	}
}

// unreachable forgets that a want went to p after the send failed.
func (wl *WantList) unreachable(c cid.Cid, p peer.ID) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if e, ok := wl.entries[cidutil.Key(c)]; ok {
		e.dropPeer(p, false)
	}
}

func (wl *WantList) sendCancels(c cid.Cid, peers []peer.ID) {
	for _, p := range peers {
		wl.send(p, &message.Message{Wantlist: &message.Wantlist{Entries: []message.Entry{
			{CID: c.Bytes(), Cancel: true},
		}}}, nil)
	}
}

// send writes msg to p in the background. failed, if set, runs when the
// write does not go through.
func (wl *WantList) send(p peer.ID, msg *message.Message, failed func()) {
	if wl.ctx.Err() != nil {
		return
	}
	wl.wg.Add(1)
	go func() {
		defer wl.wg.Done()
		if err := wl.net.SendMessage(wl.ctx, p, msg); err != nil {
			log.Debugf("failed to send wants to %s: %s", p, err)
			if failed != nil {
				failed()
			}
		}
	}()
}

// ReceiveMessage resolves waiters from an inbound message and returns the
// verified blocks that were wanted.
func (wl *WantList) ReceiveMessage(from peer.ID, msg *message.Message) []blocks.Block {
	var wanted []blocks.Block
	for _, mb := range msg.Blocks {
		b, err := block.FromPrefixData(mb.Prefix, mb.Data)
		if err != nil {
			log.Debugf("discarding malformed block from %s: %s", from, err)
			mtr.BitswapBlocksReceivedTotal.WithLabelValues("invalid").Inc()
			continue
		}
		if wl.resolveBlock(b, from) {
			mtr.BitswapBlocksReceivedTotal.WithLabelValues("wanted").Inc()
			wanted = append(wanted, b)
		} else {
			mtr.BitswapBlocksReceivedTotal.WithLabelValues("unwanted").Inc()
		}
	}

	for _, bp := range msg.BlockPresences {
		c, err := cidutil.Cast(bp.CID)
		if err != nil {
			continue
		}
		wl.resolvePresence(c, from, bp.Type)
	}
	return wanted
}

// ReceivedBlock resolves waiters for a block that reached the local store by
// some other path.
func (wl *WantList) ReceivedBlock(b blocks.Block) bool {
	return wl.resolveBlock(b, "")
}

func (wl *WantList) resolveBlock(b blocks.Block, from peer.ID) bool {
	wl.mu.Lock()
	e, ok := wl.entries[cidutil.Key(b.Cid())]
	if !ok {
		wl.mu.Unlock()
		return false
	}
	for w := range e.waiters {
		if !w.presence {
			w.resolve(outcome{block: b})
			delete(e.waiters, w)
		} else if w.peer == from {
			w.resolve(outcome{has: true})
			delete(e.waiters, w)
		}
	}
	var cancels []peer.ID
	if len(e.waiters) == 0 {
		cancels = wl.dropLocked(e, from)
	}
	wl.mu.Unlock()
	wl.sendCancels(b.Cid(), cancels)
	return true
}

func (wl *WantList) resolvePresence(c cid.Cid, from peer.ID, typ message.PresenceType) {
	wl.mu.Lock()
	e, ok := wl.entries[cidutil.Key(c)]
	if !ok {
		wl.mu.Unlock()
		return
	}
	for w := range e.waiters {
		if w.peer != from {
			continue
		}
		switch {
		case w.presence:
			w.resolve(outcome{has: typ == message.PresenceHave})
			delete(e.waiters, w)
		case typ == message.PresenceDontHave:
			w.resolve(outcome{err: fmt.Errorf("%w: %s from %s", ErrDontHave, c, from)})
			delete(e.waiters, w)
		}
	}
	if typ == message.PresenceDontHave {
		e.dropPeer(from, true)
	}
	var cancels []peer.ID
	if len(e.waiters) == 0 {
		cancels = wl.dropLocked(e, "")
	}
	wl.mu.Unlock()
	wl.sendCancels(c, cancels)
}

// PeerConnected sends the broadcast wantlist to a newly connected peer as a
// full list.
func (wl *WantList) PeerConnected(p peer.ID) {
	wl.advertise(p, true)
}

// advertise sends p every broadcast want it has not declined. A full list
// replaces whatever p holds for us, so it is only sent on connect.
func (wl *WantList) advertise(p peer.ID, full bool) {
	wl.mu.Lock()
	var entries []message.Entry
	var cids []cid.Cid
	for _, e := range wl.entries {
		if !e.broadcast() {
			continue
		}
		if _, no := e.declined[p]; no {
			continue
		}
		e.sentTo[p] = struct{}{}
		cids = append(cids, e.cid)
		entries = append(entries, message.Entry{
			CID:          e.cid.Bytes(),
			Priority:     e.priority,
			WantType:     message.WantTypeBlock,
			SendDontHave: true,
		})
	}
	wl.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	wl.send(p, &message.Message{Wantlist: &message.Wantlist{Full: full, Entries: entries}}, func() {
		for _, c := range cids {
			wl.unreachable(c, p)
		}
	})
}

// PeerDisconnected fails waits that only p could satisfy.
func (wl *WantList) PeerDisconnected(p peer.ID) {
	type drop struct {
		c     cid.Cid
		peers []peer.ID
	}
	var drops []drop

	wl.mu.Lock()
	for _, e := range wl.entries {
		e.dropPeer(p, false)
		for w := range e.waiters {
			if w.peer == p {
				w.resolve(outcome{err: fmt.Errorf("%w: %s", ErrPeerDisconnected, p)})
				delete(e.waiters, w)
			}
		}
		if len(e.waiters) == 0 {
			drops = append(drops, drop{c: e.cid, peers: wl.dropLocked(e, p)})
		}
	}
	wl.mu.Unlock()

	for _, d := range drops {
		wl.sendCancels(d.c, d.peers)
	}
}

// Rebroadcast resends the broadcast wants to every connected peer. The
// message is incremental so targeted wants held by the peer survive it.
func (wl *WantList) Rebroadcast() {
	for _, p := range wl.net.ConnectedPeers() {
		wl.advertise(p, false)
	}
}

// Has reports whether c is currently wanted.
func (wl *WantList) Has(c cid.Cid) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	_, ok := wl.entries[cidutil.Key(c)]
	return ok
}

// Entries lists the current wants, highest priority first.
func (wl *WantList) Entries() []Entry {
	wl.mu.Lock()
	out := make([]Entry, 0, len(wl.entries))
	for _, e := range wl.entries {
		out = append(out, Entry{CID: e.cid, Priority: e.priority, WantType: e.wantType()})
	}
	wl.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CID.KeyString() < out[j].CID.KeyString()
	})
	return out
}
