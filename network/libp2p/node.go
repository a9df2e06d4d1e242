// Package libp2p builds the libp2p host a bitswap node runs on: transports,
// DHT content routing, mDNS discovery, bootnode dialing, and relay
// reservations.
package libp2p

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	relayv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	circuit "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	bsnet "openhashdb-bitswap/network/bitswap/network"
	"openhashdb-bitswap/network/mtr"
)

var log = logging.Logger("libp2p")

const (
	ServiceTag       = "openhashdb-bitswap"
	MaxPeerEventLogs = 100

	connectRetries        = 5
	provideRetries        = 5
	dhtBootstrapInterval  = 5 * time.Minute
	bootnodeDialTimeout   = 30 * time.Second
	relayReserveTimeout   = 10 * time.Second
	mdnsConnectTimeout    = 10 * time.Second
	provideAttemptTimeout = 30 * time.Second
)

var ErrNoDHT = errors.New("DHT not initialized")

// PeerEvent records a peer discovery, connection, or disconnection.
type PeerEvent struct {
	PeerID    peer.ID   `json:"peer_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Addresses []string  `json:"addresses"`
}

// Config describes how to build a Node.
type Config struct {
	// KeyPath holds the base64 encoded identity. Empty means an ephemeral
	// identity.
	KeyPath   string
	P2PPort   int
	Bootnodes []string
	// ListenAddrs overrides the default tcp and quic listeners on P2PPort.
	ListenAddrs []string
	EnableMDNS  bool
	// Bootnode runs the DHT in server mode and offers a circuit relay
	// service to other peers.
	Bootnode bool
}

// Node is a libp2p host with DHT routing.
type Node struct {
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
	mdns   mdns.Service
	dht    *dht.IpfsDHT

	peerEvents   []PeerEvent
	peerEventsMu sync.RWMutex
}

// NewNode creates the host, starts discovery, and dials the bootnodes in
// the background.
func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	var privKey crypto.PrivKey
	var err error
	if cfg.KeyPath != "" {
		privKey, err = loadOrCreateIdentity(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
	} else {
		log.Warn("no key path, generating ephemeral identity")
		privKey, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
	}

	addrInfos := convertBootnodesToAddrInfo(cfg.Bootnodes)

	listenAddrs := cfg.ListenAddrs
	if len(listenAddrs) == 0 {
		listenAddrs = []string{
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2PPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.P2PPort),
		}
	}

	dhtMode := dht.ModeAutoServer
	if cfg.Bootnode {
		dhtMode = dht.ModeServer
	}

	var nodeDHT *dht.IpfsDHT
	hostOpts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(quic.NewTransport),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			nodeDHT, err = dht.New(ctx, h,
				dht.Mode(dhtMode),
				dht.BootstrapPeers(addrInfos...),
				dht.BucketSize(20),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create DHT: %w", err)
			}
			return nodeDHT, nil
		}),
	}
	if cfg.Bootnode {
		hostOpts = append(hostOpts, libp2p.EnableRelayService())
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	if !cfg.Bootnode {
		if _, err := circuit.New(h); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to create circuit relay: %w", err)
		}
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	node := &Node{
		host:       h,
		ctx:        nodeCtx,
		cancel:     cancel,
		dht:        nodeDHT,
		peerEvents: make([]PeerEvent, 0, MaxPeerEventLogs),
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			node.logPeerEvent(conn.RemotePeer(), "connected", node.peerAddrs(conn.RemotePeer()))
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			node.logPeerEvent(conn.RemotePeer(), "disconnected", node.peerAddrs(conn.RemotePeer()))
		},
	})

	if cfg.EnableMDNS {
		if err := node.setupMDNS(); err != nil {
			log.Warnf("failed to setup mDNS: %s", err)
		}
	}

	log.Infof("node started with ID %s", h.ID())
	for _, addr := range node.Addrs() {
		log.Infof("listening on %s", addr)
	}

	go node.periodicBootstrap()
	go func() {
		if err := node.bootstrapDHT(); err != nil {
			log.Warnf("failed to bootstrap DHT: %s", err)
		}
		if err := node.connectToBootnodes(cfg.Bootnodes); err != nil {
			log.Warnf("failed to connect to some bootnodes: %s", err)
		}
	}()

	return node, nil
}

func (n *Node) Host() host.Host { return n.host }

// Routing returns the DHT as bitswap's content router, or nil when the DHT
// could not be built.
func (n *Node) Routing() bsnet.ContentRouting {
	if n.dht == nil {
		return nil
	}
	return n.dht
}

func (n *Node) peerAddrs(p peer.ID) []string {
	addrs := n.host.Peerstore().Addrs(p)
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (n *Node) setupMDNS() error {
	svc := mdns.NewMdnsService(n.host, ServiceTag, &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS: %w", err)
	}
	n.mdns = svc
	return nil
}

// Close shuts down discovery, the DHT, and the host.
func (n *Node) Close() error {
	if n.mdns != nil {
		if err := n.mdns.Close(); err != nil {
			log.Errorf("error closing mDNS: %s", err)
		}
	}
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			log.Errorf("error closing DHT: %s", err)
		}
	}
	n.cancel()
	return n.host.Close()
}

func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the full p2p addresses of this node.
func (n *Node) Addrs() []string {
	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

func (n *Node) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// Connect dials a multiaddr with exponential backoff.
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	ai, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address %s: %w", peerAddr, err)
	}

	if sw, ok := n.host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(ai.ID)
	}

	for attempt := 1; attempt <= connectRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, time.Duration(10+5*attempt)*time.Second)
		err = n.host.Connect(actx, *ai)
		cancel()
		if err == nil {
			log.Infof("connected to peer %s", ai.ID)
			return nil
		}
		mtr.NetworkErrorsTotal.WithLabelValues("connect").Inc()
		log.Debugf("attempt %d/%d: failed to connect to %s: %s", attempt, connectRetries, ai.ID, err)
		if attempt < connectRetries {
			mtr.NetworkRetriesTotal.Inc()
			if !sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to connect to peer %s after %d attempts: %w", ai.ID, connectRetries, err)
}

// sleepBackoff waits 100ms * 2^attempt, reporting false if ctx ended first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	t := time.NewTimer(time.Duration(100*(1<<uint(attempt))) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() {
		return
	}
	addrs := make([]string, 0, len(pi.Addrs))
	for _, addr := range pi.Addrs {
		addrs = append(addrs, addr.String())
	}
	d.node.logPeerEvent(pi.ID, "discovered", addrs)

	ctx, cancel := context.WithTimeout(d.node.ctx, mdnsConnectTimeout)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err != nil {
		log.Debugf("failed to connect to discovered peer %s: %s", pi.ID, err)
	}
}

// PeerEvents returns the most recent peer events, oldest first.
func (n *Node) PeerEvents() []PeerEvent {
	n.peerEventsMu.RLock()
	defer n.peerEventsMu.RUnlock()
	return append([]PeerEvent(nil), n.peerEvents...)
}

// connectToBootnodes dials every bootnode in parallel and reserves a relay
// slot with each one reached.
func (n *Node) connectToBootnodes(bootnodes []string) error {
	if len(bootnodes) == 0 {
		log.Debug("no bootnodes specified")
		return nil
	}

	log.Infof("connecting to %d bootnode(s)", len(bootnodes))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
		lastErr   error
	)
	for _, addr := range bootnodes {
		if addr == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, bootnodeDialTimeout)
			defer cancel()
			if err := n.Connect(ctx, addr); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				log.Warnf("failed to connect to bootnode %s: %s", addr, err)
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()

			pinfo, err := peer.AddrInfoFromString(addr)
			if err != nil {
				return
			}
			rctx, rcancel := context.WithTimeout(n.ctx, relayReserveTimeout)
			defer rcancel()
			if _, err := relayv2client.Reserve(rctx, n.host, *pinfo); err != nil {
				log.Debugf("failed to reserve relay slot with %s: %s", pinfo.ID, err)
			} else {
				log.Infof("reserved relay slot with %s", pinfo.ID)
			}
		}()
	}
	wg.Wait()

	log.Infof("connected to %d of %d bootnodes", connected, len(bootnodes))
	if connected == 0 {
		return fmt.Errorf("failed to connect to any bootnodes: %w", lastErr)
	}
	return nil
}

func (n *Node) periodicBootstrap() {
	ticker := time.NewTicker(dhtBootstrapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.bootstrapDHT(); err != nil {
				log.Warnf("failed to bootstrap DHT: %s", err)
			}
		}
	}
}

func (n *Node) bootstrapDHT() error {
	if n.dht == nil {
		return ErrNoDHT
	}
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	return n.dht.Bootstrap(ctx)
}

// Provide announces c on the DHT, retrying with backoff.
func (n *Node) Provide(ctx context.Context, c cid.Cid) error {
	if n.dht == nil {
		return ErrNoDHT
	}
	var err error
	for attempt := 1; attempt <= provideRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, provideAttemptTimeout)
		err = n.dht.Provide(actx, c, true)
		cancel()
		if err == nil {
			log.Debugf("announced provider record for %s", c)
			return nil
		}
		mtr.NetworkErrorsTotal.WithLabelValues("provide").Inc()
		log.Debugf("attempt %d/%d: failed to announce %s: %s", attempt, provideRetries, c, err)
		if attempt < provideRetries {
			mtr.NetworkRetriesTotal.Inc()
			if !sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to announce %s after %d attempts: %w", c, provideRetries, err)
}

// DHTStats summarizes the routing table.
type DHTStats struct {
	Enabled   bool `json:"enabled"`
	PeerCount int  `json:"peer_count"`
}

func (n *Node) DHTStats() DHTStats {
	if n.dht == nil {
		return DHTStats{}
	}
	return DHTStats{Enabled: true, PeerCount: n.dht.RoutingTable().Size()}
}

func (n *Node) logPeerEvent(p peer.ID, eventType string, addrs []string) {
	n.peerEventsMu.Lock()
	defer n.peerEventsMu.Unlock()

	ev := PeerEvent{
		PeerID:    p,
		Type:      eventType,
		Timestamp: time.Now(),
		Addresses: addrs,
	}
	n.peerEvents = append(n.peerEvents, ev)
	if len(n.peerEvents) > MaxPeerEventLogs {
		n.peerEvents = n.peerEvents[len(n.peerEvents)-MaxPeerEventLogs:]
	}
	log.Debugf("peer %s %s", p, eventType)
}

func loadOrCreateIdentity(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	if keyData, err := os.ReadFile(keyPath); err == nil {
		keyBytes, err := base64.StdEncoding.DecodeString(string(keyData))
		if err != nil {
			log.Warnf("failed to decode key, creating new: %s", err)
		} else {
			privKey, err := crypto.UnmarshalPrivateKey(keyBytes)
			if err == nil {
				log.Infof("loaded identity from %s", keyPath)
				return privKey, nil
			}
			log.Warnf("failed to unmarshal key, creating new: %s", err)
		}
	}

	log.Infof("generating new identity at %s", keyPath)
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	keyBytes, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyData := base64.StdEncoding.EncodeToString(keyBytes)
	if err := os.WriteFile(keyPath, []byte(keyData), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save private key: %w", err)
	}
	return privKey, nil
}

func convertBootnodesToAddrInfo(bootnodes []string) []peer.AddrInfo {
	var addrInfos []peer.AddrInfo
	for _, addr := range bootnodes {
		if addr == "" {
			continue
		}
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warnf("failed to parse bootnode address %s: %s", addr, err)
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.Warnf("bootnode address %s has no peer ID: %s", addr, err)
			continue
		}
		addrInfos = append(addrInfos, *ai)
	}
	return addrInfos
}
