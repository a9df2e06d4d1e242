// Package network moves bitswap messages between peers over libp2p streams.
// It owns protocol registration, inbound stream handling, the per-peer send
// queue, and provider lookup and dialing through a content router.
package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"openhashdb-bitswap/network/bitswap/message"
	"openhashdb-bitswap/network/mtr"
)

var log = logging.Logger("bitswap/network")

var (
	// ErrNotStarted is returned by operations attempted while the network is stopped.
	ErrNotStarted = errors.New("bitswap network not started")
	// ErrUnsupportedProtocol is returned when a dialed peer does not speak bitswap.
	ErrUnsupportedProtocol = errors.New("peer does not support bitswap")
	// ErrNoProvidersConnected is returned when FindAndConnect could not reach anyone.
	ErrNoProvidersConnected = errors.New("could not connect to any provider")
)

// ContentRouting finds peers that provide a CID. The kad-dht client satisfies it.
type ContentRouting interface {
	FindProvidersAsync(ctx context.Context, c cid.Cid, count int) <-chan peer.AddrInfo
}

// MessageHandler receives every decoded inbound message, in stream order.
type MessageHandler interface {
	ReceiveMessage(ctx context.Context, from peer.ID, msg *message.Message)
}

// TopologyObserver is told when a peer gains its first connection or loses
// its last one. Callbacks run on the libp2p notification path and must not block.
type TopologyObserver interface {
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

// dialChecker is implemented by the libp2p swarm.
type dialChecker interface {
	CanDial(p peer.ID, addr multiaddr.Multiaddr) bool
}

// FindAndConnectOptions tune FindAndConnect.
type FindAndConnectOptions struct {
	// Providers are dialed before any routed provider.
	Providers []peer.AddrInfo
	// MaxProviders caps how many routed providers are dialed. Zero uses the
	// network default.
	MaxProviders int
}

// Network is the bitswap transport.
type Network struct {
	host    host.Host
	routing ContentRouting
	opts    options
	dialer  dialChecker
	notifee *network.NotifyBundle

	inboundSlots chan struct{}

	mu        sync.RWMutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	queue     *sendQueue
	handler   MessageHandler
	observers []TopologyObserver
	connected map[peer.ID]struct{}
}

// New creates a stopped Network on h. routing may be nil, in which case
// FindProviders yields nothing.
func New(h host.Host, routing ContentRouting, opts ...Option) *Network {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	n := &Network{
		host:         h,
		routing:      routing,
		opts:         o,
		inboundSlots: make(chan struct{}, max(o.maxInboundStreams, 1)),
		connected:    make(map[peer.ID]struct{}),
	}
	n.dialer, _ = h.Network().(dialChecker)
	n.notifee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.peerConnected(c.RemotePeer())
		},
		DisconnectedF: func(nw network.Network, c network.Conn) {
			if nw.Connectedness(c.RemotePeer()) != network.Connected {
				n.peerDisconnected(c.RemotePeer())
			}
		},
	}
	return n
}

// SetMessageHandler installs the receiver of inbound messages.
func (n *Network) SetMessageHandler(h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// Subscribe registers a topology observer.
func (n *Network) Subscribe(o TopologyObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// Self returns the local peer ID.
func (n *Network) Self() peer.ID { return n.host.ID() }

// Start registers the stream handlers and connection notifications, then
// reports every already connected peer to the observers.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.queue = newSendQueue(n.ctx, n.opts.sendConcurrency, n.deliver)
	for _, id := range n.opts.protocols {
		n.host.SetStreamHandler(id, n.handleNewStream)
	}
	n.started = true
	n.mu.Unlock()

	n.host.Network().Notify(n.notifee)
	for _, p := range n.host.Network().Peers() {
		n.peerConnected(p)
	}
	log.Infof("bitswap network started on %s", n.host.ID())
	return nil
}

// Stop unregisters handlers and fails queued sends with ErrNotStarted.
func (n *Network) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	queue := n.queue
	n.queue = nil
	for _, id := range n.opts.protocols {
		n.host.RemoveStreamHandler(id)
	}
	n.connected = make(map[peer.ID]struct{})
	n.cancel()
	n.mu.Unlock()

	n.host.Network().StopNotify(n.notifee)
	queue.close()
	log.Infof("bitswap network stopped")
}

func (n *Network) isStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

func (n *Network) peerConnected(p peer.ID) {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	if _, ok := n.connected[p]; ok {
		n.mu.Unlock()
		return
	}
	n.connected[p] = struct{}{}
	observers := append([]TopologyObserver(nil), n.observers...)
	n.mu.Unlock()

	mtr.PeerConnectionsTotal.Inc()
	for _, o := range observers {
		o.PeerConnected(p)
	}
}

func (n *Network) peerDisconnected(p peer.ID) {
	n.mu.Lock()
	if _, ok := n.connected[p]; !ok {
		n.mu.Unlock()
		return
	}
	delete(n.connected, p)
	observers := append([]TopologyObserver(nil), n.observers...)
	n.mu.Unlock()

	mtr.PeerDisconnectionsTotal.Inc()
	for _, o := range observers {
		o.PeerDisconnected(p)
	}
}

// ConnectedPeers lists peers with at least one open connection.
func (n *Network) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// SendMessage queues msg for p. If a send to p has not written its frame yet,
// including one still dialing, msg is merged into it and this call resolves
// with that single write.
func (n *Network) SendMessage(ctx context.Context, p peer.ID, msg *message.Message) error {
	n.mu.RLock()
	q := n.queue
	started := n.started
	n.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	return q.push(ctx, p, msg)
}

// deliver opens one stream to p, writes one frame, and closes it. The frame
// carries whatever take returns once the stream is open.
func (n *Network) deliver(ctx context.Context, p peer.ID, take func() *message.Message) error {
	ctx, cancel := context.WithTimeout(ctx, n.opts.sendTimeout)
	defer cancel()

	s, err := n.host.NewStream(network.WithAllowLimitedConn(ctx, "bitswap"), p, n.opts.protocols...)
	if err != nil {
		mtr.BitswapSendErrorsTotal.WithLabelValues("dial").Inc()
		return fmt.Errorf("failed to open stream to %s: %w", p, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
	}

	size, err := message.WriteFrame(s, take())
	if err != nil {
		mtr.BitswapSendErrorsTotal.WithLabelValues("write").Inc()
		_ = s.Reset()
		return fmt.Errorf("failed to send message to %s: %w", p, err)
	}
	if err := s.Close(); err != nil {
		log.Debugf("closing stream to %s: %s", p, err)
	}

	mtr.BitswapMessagesTotal.WithLabelValues("sent").Inc()
	mtr.BitswapBytesTotal.WithLabelValues("sent").Add(float64(size))
	return nil
}

// handleNewStream reads length prefixed messages until the remote closes,
// goes idle, or sends something undecodable.
func (n *Network) handleNewStream(s network.Stream) {
	remotePeer := s.Conn().RemotePeer()

	select {
	case n.inboundSlots <- struct{}{}:
		defer func() { <-n.inboundSlots }()
	default:
		log.Warnf("too many inbound streams, resetting stream from %s", remotePeer)
		mtr.BitswapStreamResetsTotal.WithLabelValues("overflow").Inc()
		_ = s.Reset()
		return
	}

	// nothing is ever written back on an inbound stream
	if err := s.CloseWrite(); err != nil {
		log.Debugf("half-closing stream from %s: %s", remotePeer, err)
	}

	n.mu.RLock()
	ctx, handler := n.ctx, n.handler
	n.mu.RUnlock()
	if ctx == nil {
		_ = s.Reset()
		return
	}

	// The idle timer resets the stream, which unblocks any pending read.
	var idle atomic.Bool
	timer := time.AfterFunc(n.opts.receiveTimeout, func() {
		idle.Store(true)
		_ = s.Reset()
	})
	defer timer.Stop()

	reader := bufio.NewReader(s)
	decodeOpts := message.DecodeOptions{Limits: n.opts.decodeLimits}
	for {
		msg, size, err := message.ReadFrame(reader, n.opts.maxIncomingMessageSize, decodeOpts)
		if err != nil {
			if idle.Load() {
				log.Debugf("stream from %s idle for %s, aborted", remotePeer, n.opts.receiveTimeout)
				mtr.BitswapStreamResetsTotal.WithLabelValues("timeout").Inc()
				return
			}
			if errors.Is(err, io.EOF) {
				_ = s.Close()
				return
			}
			reason := "decode"
			if errors.Is(err, network.ErrReset) {
				reason = "remote"
			}
			log.Debugf("aborting stream from %s (%s): %s", remotePeer, reason, err)
			mtr.BitswapStreamResetsTotal.WithLabelValues(reason).Inc()
			_ = s.Reset()
			return
		}
		fired := !timer.Stop()

		mtr.BitswapMessagesTotal.WithLabelValues("received").Inc()
		mtr.BitswapBytesTotal.WithLabelValues("received").Add(float64(size))
		if handler != nil {
			handler.ReceiveMessage(ctx, remotePeer, msg)
		}

		if fired {
			// the stream was reset while this frame was being decoded
			mtr.BitswapStreamResetsTotal.WithLabelValues("timeout").Inc()
			return
		}
		timer.Reset(n.opts.receiveTimeout)
	}
}

// supportsBitswap consults the peerstore for protocols learned by identify.
func (n *Network) supportsBitswap(p peer.ID) bool {
	protos, err := n.host.Peerstore().SupportsProtocols(p, n.opts.protocols...)
	return err == nil && len(protos) > 0
}

// ConnectTo dials ai and waits until identify proves it speaks bitswap.
func (n *Network) ConnectTo(ctx context.Context, ai peer.AddrInfo) error {
	if !n.isStarted() {
		return ErrNotStarted
	}
	if ai.ID == n.host.ID() {
		return fmt.Errorf("refusing to dial self")
	}
	if n.host.Network().Connectedness(ai.ID) == network.Connected && n.supportsBitswap(ai.ID) {
		return nil
	}

	sub, err := n.host.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return fmt.Errorf("failed to subscribe to identify events: %w", err)
	}
	defer sub.Close()

	if err := n.host.Connect(ctx, ai); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", ai.ID, err)
	}
	if n.supportsBitswap(ai.ID) {
		return nil
	}

	timer := time.NewTimer(n.opts.identifyTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-sub.Out():
			if !ok {
				return ErrUnsupportedProtocol
			}
			if e, ok := ev.(event.EvtPeerIdentificationCompleted); ok && e.Peer == ai.ID {
				if n.supportsBitswap(ai.ID) {
					return nil
				}
				return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, ai.ID)
			}
		case <-timer.C:
			return fmt.Errorf("%w: %s (identify timed out)", ErrUnsupportedProtocol, ai.ID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dialable reports whether the local swarm could reach ai.
func (n *Network) dialable(ai peer.AddrInfo) bool {
	if ai.ID == n.host.ID() || ai.ID == "" {
		return false
	}
	if n.host.Network().Connectedness(ai.ID) == network.Connected {
		return true
	}
	addrs := ai.Addrs
	if len(addrs) == 0 {
		addrs = n.host.Peerstore().Addrs(ai.ID)
	}
	if n.dialer == nil {
		return len(addrs) > 0
	}
	for _, a := range addrs {
		if n.dialer.CanDial(ai.ID, a) {
			return true
		}
	}
	return false
}

// FindProviders streams dialable providers of c from the content router.
func (n *Network) FindProviders(ctx context.Context, c cid.Cid) <-chan peer.AddrInfo {
	out := make(chan peer.AddrInfo)
	go func() {
		defer close(out)
		if n.routing == nil {
			return
		}
		for ai := range n.routing.FindProvidersAsync(ctx, c, 0) {
			if !n.dialable(ai) {
				log.Debugf("skipping undialable provider %s for %s", ai.ID, c)
				continue
			}
			select {
			case out <- ai:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// FindAndConnect dials the supplied providers and up to MaxProviders routed
// providers of c concurrently, returning as soon as one connection succeeds.
// Dials still in flight keep going until ctx ends, so later providers also
// receive the wantlist.
func (n *Network) FindAndConnect(ctx context.Context, c cid.Cid, opts FindAndConnectOptions) error {
	if !n.isStarted() {
		return ErrNotStarted
	}
	limit := opts.MaxProviders
	if limit <= 0 {
		limit = n.opts.maxProviders
	}

	connected := make(chan peer.ID, 1)
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		var g errgroup.Group
		dial := func(ai peer.AddrInfo) {
			g.Go(func() error {
				if err := n.ConnectTo(ctx, ai); err != nil {
					log.Debugf("dialing provider %s for %s: %s", ai.ID, c, err)
					return nil
				}
				select {
				case connected <- ai.ID:
				default:
				}
				return nil
			})
		}
		for _, ai := range opts.Providers {
			dial(ai)
		}
		rctx, rcancel := context.WithCancel(ctx)
		count := 0
		for ai := range n.FindProviders(rctx, c) {
			if count >= limit {
				break
			}
			count++
			dial(ai)
		}
		rcancel()
		_ = g.Wait()
	}()

	select {
	case p := <-connected:
		log.Debugf("connected to provider %s for %s", p, c)
		return nil
	case <-finished:
		select {
		case <-connected:
			return nil
		default:
		}
		return fmt.Errorf("%w for %s", ErrNoProvidersConnected, c)
	case <-ctx.Done():
		return ctx.Err()
	}
}
