package session

import (
	"context"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"openhashdb-bitswap/network/bitswap/wantlist"
)

const (
	DefaultPresenceTimeout  = 5 * time.Second
	DefaultProbeConcurrency = 8
)

// Wants is the part of the local wantlist a bitswap session drives.
type Wants interface {
	WantBlock(ctx context.Context, c cid.Cid, opts wantlist.WantOptions) (blocks.Block, error)
	WantPresence(ctx context.Context, c cid.Cid, p peer.ID) (bool, error)
}

// Network is the part of the transport a bitswap session needs.
type Network interface {
	ConnectedPeers() []peer.ID
	FindProviders(ctx context.Context, c cid.Cid) <-chan peer.AddrInfo
	ConnectTo(ctx context.Context, ai peer.AddrInfo) error
}

// BitswapStrategy finds providers by asking connected and routed peers
// whether they have a block, and fetches from them with targeted wants.
type BitswapStrategy struct {
	net              Network
	wants            Wants
	presenceTimeout  time.Duration
	probeConcurrency int
}

var _ Strategy[peer.ID] = (*BitswapStrategy)(nil)

func NewBitswapStrategy(net Network, wants Wants, presenceTimeout time.Duration) *BitswapStrategy {
	if presenceTimeout <= 0 {
		presenceTimeout = DefaultPresenceTimeout
	}
	return &BitswapStrategy{
		net:              net,
		wants:            wants,
		presenceTimeout:  presenceTimeout,
		probeConcurrency: DefaultProbeConcurrency,
	}
}

func (b *BitswapStrategy) ToProvider(ai peer.AddrInfo) (peer.ID, bool) {
	return ai.ID, ai.ID != ""
}

// FindNewProviders probes connected peers first, then routed providers,
// yielding each peer that answers HAVE or sends the block.
func (b *BitswapStrategy) FindNewProviders(ctx context.Context, c cid.Cid) <-chan peer.ID {
	out := make(chan peer.ID)
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(b.probeConcurrency)

		seen := make(map[peer.ID]struct{})
		probe := func(p peer.ID, ai *peer.AddrInfo) {
			if _, ok := seen[p]; ok {
				return
			}
			seen[p] = struct{}{}
			g.Go(func() error {
				if ai != nil {
					if err := b.net.ConnectTo(ctx, *ai); err != nil {
						log.Debugf("skipping provider %s for %s: %s", p, c, err)
						return nil
					}
				}
				pctx, cancel := context.WithTimeout(ctx, b.presenceTimeout)
				defer cancel()
				has, err := b.wants.WantPresence(pctx, c, p)
				if err != nil || !has {
					return nil
				}
				select {
				case out <- p:
				case <-ctx.Done():
				}
				return nil
			})
		}

		for _, p := range b.net.ConnectedPeers() {
			probe(p, nil)
		}
		for ai := range b.net.FindProviders(ctx, c) {
			probe(ai.ID, &ai)
		}
		_ = g.Wait()
	}()
	return out
}

func (b *BitswapStrategy) QueryProvider(ctx context.Context, c cid.Cid, p peer.ID) (blocks.Block, error) {
	return b.wants.WantBlock(ctx, c, wantlist.WantOptions{Peer: p})
}

func (b *BitswapStrategy) ProviderKey(p peer.ID) []byte { return []byte(p) }

func (b *BitswapStrategy) Equal(a, c peer.ID) bool { return a == c }
