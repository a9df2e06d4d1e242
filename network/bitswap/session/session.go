// Package session implements provider-bounded block retrieval: find a few
// providers, query them concurrently, evict the ones that fail, and look for
// fresh providers when a round ends without the block.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"openhashdb-bitswap/core/cidutil"
	"openhashdb-bitswap/network/intelligence"
	"openhashdb-bitswap/network/mtr"
)

var log = logging.Logger("bitswap/session")

const (
	DefaultMinProviders = 3
	DefaultMaxProviders = 5
	DefaultMaxRetries   = 3

	evictionFilterCapacity = 1024
	evictionFilterFPRate   = 0.001
)

var (
	// ErrInsufficientProviders is returned when discovery ends with fewer
	// providers than the session minimum.
	ErrInsufficientProviders = errors.New("insufficient providers found")
	// ErrAborted is returned when the caller's context ends first. The
	// context error is wrapped alongside it.
	ErrAborted = errors.New("retrieval aborted")
	// ErrRetriesExhausted is returned when every retry round failed.
	ErrRetriesExhausted = errors.New("retrieval retries exhausted")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// Strategy supplies the provider specific parts of a session.
type Strategy[P any] interface {
	// ToProvider converts a peer reference, reporting false if the peer
	// cannot serve this kind of session.
	ToProvider(ai peer.AddrInfo) (P, bool)
	// FindNewProviders streams providers of c until ctx ends or the source
	// runs dry.
	FindNewProviders(ctx context.Context, c cid.Cid) <-chan P
	// QueryProvider fetches c from one provider.
	QueryProvider(ctx context.Context, c cid.Cid, p P) (blocks.Block, error)
	// ProviderKey is the compact identity stored in the eviction filter.
	ProviderKey(p P) []byte
	Equal(a, b P) bool
}

// Options configure a session.
type Options struct {
	MinProviders int
	MaxProviders int
	// MaxRetries bounds the evict-and-rediscover rounds per retrieval.
	// Zero means DefaultMaxRetries and a negative value disables retries.
	MaxRetries int
	// Providers seed the session before any discovery.
	Providers []peer.AddrInfo
}

func (o *Options) applyDefaults() {
	if o.MinProviders <= 0 {
		o.MinProviders = DefaultMinProviders
	}
	if o.MaxProviders <= 0 {
		o.MaxProviders = DefaultMaxProviders
	}
	if o.MaxProviders < o.MinProviders {
		o.MaxProviders = o.MinProviders
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
}

type request struct {
	done  chan struct{}
	block blocks.Block
	err   error
}

// Session retrieves blocks from a bounded, self-healing set of providers.
type Session[P any] struct {
	id       string
	strategy Strategy[P]
	opts     Options
	evicted  *intelligence.Bloom

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	readyOnce sync.Once
	ready     chan struct{}

	mu         sync.Mutex
	closed     bool
	providers  []P
	readyPeers []P
	added     int
	changed   chan struct{}
	requests  map[string]*request
}

// New creates a session. Seed providers from opts are converted with the
// strategy and count towards the minimum.
func New[P any](strategy Strategy[P], opts Options) *Session[P] {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session[P]{
		id:       uuid.NewString(),
		strategy: strategy,
		opts:     opts,
		evicted:  intelligence.NewBloomForCapacity(evictionFilterCapacity, evictionFilterFPRate),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		changed:  make(chan struct{}),
		requests: make(map[string]*request),
	}
	for _, ai := range opts.Providers {
		if p, ok := strategy.ToProvider(ai); ok {
			s.addProvider(p)
		}
	}
	mtr.BitswapSessionsActive.Inc()
	return s
}

// ID identifies the session in logs and APIs.
func (s *Session[P]) ID() string { return s.id }

// Ready is closed once the session has reached its minimum provider count.
func (s *Session[P]) Ready() <-chan struct{} { return s.ready }

// ReadyPeers returns the providers held at the moment Ready was closed, or
// nil if the session is not ready yet.
func (s *Session[P]) ReadyPeers() []P {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]P(nil), s.readyPeers...)
}

// Peers returns the current providers.
func (s *Session[P]) Peers() []P {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]P(nil), s.providers...)
}

// Close stops background discovery. Later calls to Retrieve fail with
// ErrClosed.
func (s *Session[P]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	mtr.BitswapSessionsActive.Dec()
}

// Start blocks until the session holds MinProviders providers for root.
// Discovery keeps running in the background up to MaxProviders.
func (s *Session[P]) Start(ctx context.Context, root cid.Cid) error {
	if need := s.opts.MinProviders - s.count(); need > 0 {
		return s.discover(ctx, root, need)
	}
	s.markReady()
	return nil
}

// Retrieve fetches c through the session. Concurrent calls for the same CID
// share one retrieval.
func (s *Session[P]) Retrieve(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	key := cidutil.Key(c)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if r, ok := s.requests[key]; ok {
		s.mu.Unlock()
		select {
		case <-r.done:
			return r.block, r.err
		case <-ctx.Done():
			return nil, aborted(ctx)
		}
	}
	r := &request{done: make(chan struct{})}
	s.requests[key] = r
	s.mu.Unlock()

	r.block, r.err = s.retrieve(ctx, c)

	s.mu.Lock()
	delete(s.requests, key)
	s.mu.Unlock()
	close(r.done)
	return r.block, r.err
}

func aborted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
}

func (s *Session[P]) retrieve(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if err := s.Start(ctx, c); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		b, err := s.queryProviders(ctx, c)
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, aborted(ctx)
		}
		if attempt >= s.opts.MaxRetries {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, c, attempt+1)
		}

		mtr.BitswapSessionRetriesTotal.Inc()
		evicted := s.evictRandom(s.opts.MinProviders)
		log.Debugw("retrying retrieval", "session", s.id, "cid", c, "attempt", attempt+1, "evicted", evicted)
		if err := s.discover(ctx, c, s.opts.MinProviders); err != nil {
			return nil, err
		}
	}
}

// discover waits until need providers have been added, while discovery for
// c continues in the background up to MaxProviders.
func (s *Session[P]) discover(ctx context.Context, c cid.Cid, need int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	start := s.added
	s.mu.Unlock()

	exhausted := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(exhausted)
		s.runDiscovery(c)
	}()

	for {
		s.mu.Lock()
		found := s.added - start
		changed := s.changed
		s.mu.Unlock()

		if found >= need {
			s.markReady()
			return nil
		}

		select {
		case <-changed:
		case <-exhausted:
			s.mu.Lock()
			found = s.added - start
			s.mu.Unlock()
			if found >= need {
				s.markReady()
				return nil
			}
			return fmt.Errorf("%w: found %d of %d for %s", ErrInsufficientProviders, found, need, c)
		case <-ctx.Done():
			return aborted(ctx)
		case <-s.ctx.Done():
			return ErrClosed
		}
	}
}

func (s *Session[P]) runDiscovery(c cid.Cid) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	for p := range s.strategy.FindNewProviders(ctx, c) {
		if !s.addProvider(p) {
			continue
		}
		if s.count() >= s.opts.MaxProviders {
			return
		}
	}
}

func (s *Session[P]) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReadyLocked()
}

func (s *Session[P]) markReadyLocked() {
	s.readyOnce.Do(func() {
		s.readyPeers = append([]P(nil), s.providers...)
		close(s.ready)
	})
}

func (s *Session[P]) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.providers)
}

// addProvider admits p unless it was evicted, is already known, or the
// session is full.
func (s *Session[P]) addProvider(p P) bool {
	if s.evicted.Test(s.strategy.ProviderKey(p)) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.providers) >= s.opts.MaxProviders {
		return false
	}
	for _, existing := range s.providers {
		if s.strategy.Equal(existing, p) {
			return false
		}
	}
	s.providers = append(s.providers, p)
	s.added++
	if len(s.providers) >= s.opts.MinProviders {
		s.markReadyLocked()
	}
	close(s.changed)
	s.changed = make(chan struct{})
	return true
}

func (s *Session[P]) evict(p P) {
	s.evicted.Add(s.strategy.ProviderKey(p))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.providers {
		if s.strategy.Equal(existing, p) {
			s.providers = append(s.providers[:i], s.providers[i+1:]...)
			mtr.BitswapProviderEvictionsTotal.Inc()
			return
		}
	}
}

// evictRandom evicts up to n random providers and returns how many went.
func (s *Session[P]) evictRandom(n int) int {
	victims := s.Peers()
	rand.Shuffle(len(victims), func(i, j int) { victims[i], victims[j] = victims[j], victims[i] })
	if len(victims) > n {
		victims = victims[:n]
	}
	for _, p := range victims {
		s.evict(p)
	}
	return len(victims)
}

type queryResult[P any] struct {
	provider P
	block    blocks.Block
	err      error
}

var errQueueIdle = errors.New("every provider failed")

// queryProviders runs one round: every current provider, and every provider
// that joins mid-round, is queried with at most MaxProviders in flight.
func (s *Session[P]) queryProviders(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	slots := make(chan struct{}, s.opts.MaxProviders)
	results := make(chan queryResult[P])
	done := make(chan struct{})
	defer close(done)

	queried := make(map[string]struct{})
	running := 0
	enqueue := func() {
		for _, p := range s.Peers() {
			key := string(s.strategy.ProviderKey(p))
			if _, ok := queried[key]; ok {
				continue
			}
			queried[key] = struct{}{}
			running++
			go func() {
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					select {
					case results <- queryResult[P]{provider: p, err: ctx.Err()}:
					case <-done:
					}
					return
				}
				b, err := s.strategy.QueryProvider(ctx, c, p)
				<-slots
				if err == nil && !b.Cid().Equals(c) {
					err = fmt.Errorf("provider returned %s for %s", b.Cid(), c)
				}
				select {
				case results <- queryResult[P]{provider: p, block: b, err: err}:
				case <-done:
				}
			}()
		}
	}

	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()
		enqueue()

		if running == 0 {
			return nil, errQueueIdle
		}

		select {
		case r := <-results:
			running--
			if r.err == nil {
				return r.block, nil
			}
			if ctx.Err() != nil {
				return nil, aborted(ctx)
			}
			log.Debugw("provider query failed", "session", s.id, "cid", c, "err", r.err)
			s.evict(r.provider)
		case <-changed:
		case <-ctx.Done():
			return nil, aborted(ctx)
		}
	}
}
