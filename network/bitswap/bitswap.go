// Package bitswap wires the bitswap transport, the local wantlist, the
// per-peer want-lists, and retrieval sessions into one exchange engine.
package bitswap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"openhashdb-bitswap/core/block"
	"openhashdb-bitswap/core/blockstore"
	"openhashdb-bitswap/network/bitswap/message"
	bsnet "openhashdb-bitswap/network/bitswap/network"
	"openhashdb-bitswap/network/bitswap/peerwants"
	"openhashdb-bitswap/network/bitswap/session"
	"openhashdb-bitswap/network/bitswap/wantlist"
)

var log = logging.Logger("bitswap")

const DefaultRebroadcastInterval = 10 * time.Second

// ErrListingUnsupported is returned by LocalBlocks when the store cannot
// enumerate its contents.
var ErrListingUnsupported = errors.New("blockstore cannot list blocks")

type options struct {
	netOpts             []bsnet.Option
	wantHaveReplaceSize int
	minProviders        int
	maxProviders        int
	maxRetries          int
	presenceTimeout     time.Duration
	rebroadcastInterval time.Duration
}

// Option configures a Bitswap engine.
type Option func(*options)

// WithNetworkOptions passes options through to the transport.
func WithNetworkOptions(opts ...bsnet.Option) Option {
	return func(o *options) { o.netOpts = append(o.netOpts, opts...) }
}

// WithWantHaveReplaceSize sets the block size at or above which a want-have
// is answered with a presence.
func WithWantHaveReplaceSize(n int) Option {
	return func(o *options) { o.wantHaveReplaceSize = n }
}

// WithMinProviders sets the default session minimum.
func WithMinProviders(n int) Option {
	return func(o *options) { o.minProviders = n }
}

// WithMaxProviders sets the default session maximum and the number of routed
// providers dialed per want.
func WithMaxProviders(n int) Option {
	return func(o *options) { o.maxProviders = n }
}

func WithSessionRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithPresenceTimeout bounds how long a session waits for a peer to answer a
// want-have.
func WithPresenceTimeout(d time.Duration) Option {
	return func(o *options) { o.presenceTimeout = d }
}

// WithRebroadcastInterval sets how often the full wantlist is resent. Zero
// disables rebroadcasts.
func WithRebroadcastInterval(d time.Duration) Option {
	return func(o *options) { o.rebroadcastInterval = d }
}

// WantOptions tune a single Want.
type WantOptions struct {
	Priority int32
	// Providers are dialed before routed providers.
	Providers []peer.AddrInfo
}

// SessionOptions tune CreateSession. Zero values fall back to the engine
// defaults.
type SessionOptions struct {
	MinProviders int
	MaxProviders int
	MaxRetries   int
	Providers    []peer.AddrInfo
}

// Session is a retrieval session whose providers are peers.
type Session = session.Session[peer.ID]

// Bitswap is the block exchange engine.
type Bitswap struct {
	store     blockstore.Blockstore
	network   *bsnet.Network
	wantlist  *wantlist.WantList
	peerWants *peerwants.PeerWantLists
	opts      options

	wg sync.WaitGroup

	mu       sync.Mutex
	cancel   context.CancelFunc
	sessions map[string]*Session
}

// New creates a stopped engine on h. routing may be nil.
func New(h host.Host, routing bsnet.ContentRouting, store blockstore.Blockstore, opts ...Option) *Bitswap {
	o := options{
		wantHaveReplaceSize: peerwants.DefaultWantHaveReplaceSize,
		minProviders:        session.DefaultMinProviders,
		maxProviders:        session.DefaultMaxProviders,
		maxRetries:          session.DefaultMaxRetries,
		presenceTimeout:     session.DefaultPresenceTimeout,
		rebroadcastInterval: DefaultRebroadcastInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	netOpts := append([]bsnet.Option{bsnet.WithMaxProviders(o.maxProviders)}, o.netOpts...)
	net := bsnet.New(h, routing, netOpts...)

	bs := &Bitswap{
		store:     store,
		network:   net,
		wantlist:  wantlist.New(context.Background(), net),
		peerWants: peerwants.New(store, net, peerwants.WithWantHaveReplaceSize(o.wantHaveReplaceSize)),
		opts:      o,
		sessions:  make(map[string]*Session),
	}
	net.SetMessageHandler(bs)
	net.Subscribe(bs)
	return bs
}

// Network exposes the underlying transport.
func (bs *Bitswap) Network() *bsnet.Network { return bs.network }

// Start begins serving and periodically rebroadcasting the wantlist. A
// stopped engine can be started again.
func (bs *Bitswap) Start(ctx context.Context) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.cancel != nil {
		return nil
	}
	if err := bs.network.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bitswap network: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	bs.cancel = cancel
	if bs.opts.rebroadcastInterval > 0 {
		bs.wg.Add(1)
		go bs.periodicWantlistBroadcast(runCtx)
	}
	return nil
}

// Stop closes sessions, stops the transport, and waits for background work.
func (bs *Bitswap) Stop() {
	bs.mu.Lock()
	cancel := bs.cancel
	bs.cancel = nil
	sessions := bs.sessions
	bs.sessions = make(map[string]*Session)
	bs.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for _, s := range sessions {
		s.Close()
	}

	bs.network.Stop()
	bs.wantlist.Wait()
	bs.peerWants.Wait()
	bs.wg.Wait()
}

func (bs *Bitswap) periodicWantlistBroadcast(ctx context.Context) {
	defer bs.wg.Done()
	ticker := time.NewTicker(bs.opts.rebroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bs.wantlist.Rebroadcast()
		case <-ctx.Done():
			return
		}
	}
}

// Want returns the block c, from the local store if present and otherwise
// from the network. The CID leaves the wantlist when Want returns, whatever
// the outcome. Once discovery connects nobody new and every peer holding the
// want has answered DONT_HAVE or gone away, Want fails with
// session.ErrInsufficientProviders.
func (bs *Bitswap) Want(ctx context.Context, c cid.Cid, opts WantOptions) (blocks.Block, error) {
	if has, err := bs.store.Has(ctx, c); err == nil && has {
		return bs.store.Get(ctx, c)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exhausted := make(chan struct{})
	// Bounded by ctx, which ends when Want returns.
	go func() {
		err := bs.network.FindAndConnect(ctx, c, bsnet.FindAndConnectOptions{
			Providers:    opts.Providers,
			MaxProviders: bs.opts.maxProviders,
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		log.Debugf("no new providers for %s: %s", c, err)
		if errors.Is(err, bsnet.ErrNoProvidersConnected) {
			close(exhausted)
		}
	}()

	b, err := bs.wantlist.WantBlock(ctx, c, wantlist.WantOptions{Priority: opts.Priority, Exhausted: exhausted})
	if errors.Is(err, wantlist.ErrNoProviders) {
		return nil, fmt.Errorf("%w: %w", session.ErrInsufficientProviders, err)
	}
	if err != nil {
		return nil, err
	}
	if err := bs.store.Put(ctx, b); err != nil {
		log.Warnf("failed to store block %s: %s", c, err)
	}
	return b, nil
}

// Notify announces a block that became available locally: it is stored if
// absent, handed to local waiters, and sent to peers that want it. A block
// whose data does not hash to its CID is refused.
func (bs *Bitswap) Notify(ctx context.Context, b blocks.Block) error {
	if err := block.Verify(b); err != nil {
		return fmt.Errorf("refusing block %s: %w", b.Cid(), err)
	}
	has, err := bs.store.Has(ctx, b.Cid())
	if err != nil {
		return fmt.Errorf("failed to check block %s: %w", b.Cid(), err)
	}
	if !has {
		if err := bs.store.Put(ctx, b); err != nil {
			return fmt.Errorf("failed to store block %s: %w", b.Cid(), err)
		}
	}
	bs.wantlist.ReceivedBlock(b)
	bs.peerWants.ReceivedBlock(ctx, b)
	return nil
}

// ReceiveMessage handles one inbound message.
func (bs *Bitswap) ReceiveMessage(ctx context.Context, from peer.ID, msg *message.Message) {
	bs.peerWants.MessageReceived(ctx, from, msg)

	for _, b := range bs.wantlist.ReceiveMessage(from, msg) {
		if err := bs.store.Put(ctx, b); err != nil {
			log.Warnf("failed to store block %s from %s: %s", b.Cid(), from, err)
			continue
		}
		bs.peerWants.ReceivedBlock(ctx, b)
	}
}

// PeerConnected sends our wantlist to a new peer.
func (bs *Bitswap) PeerConnected(p peer.ID) {
	log.Debugf("peer connected: %s", p)
	bs.wantlist.PeerConnected(p)
}

// PeerDisconnected drops the peer's ledger and fails waits pinned to it.
func (bs *Bitswap) PeerDisconnected(p peer.ID) {
	log.Debugf("peer disconnected: %s", p)
	bs.wantlist.PeerDisconnected(p)
	bs.peerWants.PeerDisconnected(p)
}

// LocalBlocks streams the CIDs held by the local store.
func (bs *Bitswap) LocalBlocks(ctx context.Context) (<-chan cid.Cid, error) {
	l, ok := bs.store.(blockstore.Lister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	return l.AllKeysChan(ctx)
}

// GetWantlist lists what this node is waiting for.
func (bs *Bitswap) GetWantlist() []wantlist.Entry {
	return bs.wantlist.Entries()
}

// GetPeerWantlist lists what p has asked this node for.
func (bs *Bitswap) GetPeerWantlist(p peer.ID) ([]peerwants.Entry, bool) {
	return bs.peerWants.WantListForPeer(p)
}

// LedgerForPeer returns the traffic ledger kept for p.
func (bs *Bitswap) LedgerForPeer(p peer.ID) (peerwants.Ledger, bool) {
	return bs.peerWants.LedgerForPeer(p)
}

// Peers lists peers that have sent us a message.
func (bs *Bitswap) Peers() []peer.ID {
	return bs.peerWants.Peers()
}

// CreateSession starts a retrieval session rooted at root. It returns once
// the minimum number of providers has been found.
func (bs *Bitswap) CreateSession(ctx context.Context, root cid.Cid, opts SessionOptions) (*Session, error) {
	so := session.Options{
		MinProviders: bs.opts.minProviders,
		MaxProviders: bs.opts.maxProviders,
		MaxRetries:   bs.opts.maxRetries,
		Providers:    opts.Providers,
	}
	if opts.MinProviders > 0 {
		so.MinProviders = opts.MinProviders
	}
	if opts.MaxProviders > 0 {
		so.MaxProviders = opts.MaxProviders
	}
	if opts.MaxRetries != 0 {
		so.MaxRetries = opts.MaxRetries
	}

	strategy := session.NewBitswapStrategy(bs.network, bs.wantlist, bs.opts.presenceTimeout)
	s := session.New[peer.ID](strategy, so)
	if err := s.Start(ctx, root); err != nil {
		s.Close()
		return nil, err
	}

	bs.mu.Lock()
	bs.sessions[s.ID()] = s
	bs.mu.Unlock()
	log.Infof("session %s ready with %d providers for %s", s.ID(), len(s.ReadyPeers()), root)
	return s, nil
}

// CloseSession closes and forgets a session created by CreateSession.
func (bs *Bitswap) CloseSession(id string) {
	bs.mu.Lock()
	s, ok := bs.sessions[id]
	delete(bs.sessions, id)
	bs.mu.Unlock()
	if ok {
		s.Close()
	}
}
