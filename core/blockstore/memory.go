package blockstore

import (
	"context"
	"fmt"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// MemStore keeps blocks in memory. It is used by tests and by nodes started
// without a repository path.
type MemStore struct {
	mu     sync.RWMutex
	blocks map[string]blocks.Block
}

var (
	_ Blockstore = (*MemStore)(nil)
	_ Lister     = (*MemStore)(nil)
)

func NewMemStore() *MemStore {
	return &MemStore{blocks: make(map[string]blocks.Block)}
}

func (m *MemStore) Has(_ context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

func (m *MemStore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[c.KeyString()]
	if !ok {
		blockstoreOperationsTotal.WithLabelValues("get", "not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	blockstoreOperationsTotal.WithLabelValues("get", "success").Inc()
	return b, nil
}

func (m *MemStore) Put(_ context.Context, b blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[b.Cid().KeyString()]; ok {
		blockstoreOperationsTotal.WithLabelValues("put", "exists").Inc()
		return nil
	}
	m.blocks[b.Cid().KeyString()] = b
	blockstoreOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

// AllKeysChan streams the CIDs stored when it was called.
func (m *MemStore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	m.mu.RLock()
	keys := make([]cid.Cid, 0, len(m.blocks))
	for _, b := range m.blocks {
		keys = append(keys, b.Cid())
	}
	m.mu.RUnlock()

	ch := make(chan cid.Cid)
	go func() {
		defer close(ch)
		for _, c := range keys {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Len reports the number of stored blocks.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
