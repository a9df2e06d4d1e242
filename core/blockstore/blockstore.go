package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"openhashdb-bitswap/core/cidutil"
)

var log = logging.Logger("blockstore")

// Metrics for blockstore operations
var (
	blockstoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openhashdb_blockstore_operations_total",
			Help: "Total number of blockstore operations",
		},
		[]string{"operation", "status"},
	)
	blockstoreSpaceAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "openhashdb_blockstore_space_available_bytes",
			Help: "Available blockstore space in bytes",
		},
	)
)

const blockPrefix = "block:"

// ErrNotFound is returned by Get when the block is not stored.
var ErrNotFound = errors.New("block not found")

// Blockstore is the narrow storage surface the exchange engine depends on.
// Put must be idempotent.
type Blockstore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, b blocks.Block) error
}

// Lister is implemented by stores that can enumerate their blocks.
type Lister interface {
	AllKeysChan(ctx context.Context) (<-chan cid.Cid, error)
}

// LevelStore persists blocks in a LevelDB database keyed by binary CID.
type LevelStore struct {
	db       *leveldb.DB
	rootPath string
	mu       sync.RWMutex
}

var (
	_ Blockstore = (*LevelStore)(nil)
	_ Lister     = (*LevelStore)(nil)
)

// Open creates or opens a LevelDB-backed blockstore under rootPath.
func Open(rootPath string) (*LevelStore, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database root directory %s: %w", rootPath, err)
	}

	leveldbPath := filepath.Join(rootPath, "leveldb")
	db, err := leveldb.OpenFile(leveldbPath, &opt.Options{
		WriteBuffer:            64 * 1024 * 1024,
		CompactionTableSize:    8 * 1024 * 1024,
		CompactionTotalSize:    64 * 1024 * 1024,
		OpenFilesCacheCapacity: 500,
	})
	if err != nil {
		blockstoreOperationsTotal.WithLabelValues("open_db", "error").Inc()
		return nil, fmt.Errorf("failed to open database at %s: %w", leveldbPath, err)
	}

	bs := &LevelStore{db: db, rootPath: rootPath}
	if _, err := bs.GetAvailableSpace(); err != nil {
		log.Debugf("disk space probe failed: %s", err)
	}

	blockstoreOperationsTotal.WithLabelValues("open_db", "success").Inc()
	return bs, nil
}

// Close closes the blockstore.
func (bs *LevelStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if err := bs.db.Close(); err != nil {
		blockstoreOperationsTotal.WithLabelValues("close_db", "error").Inc()
		return fmt.Errorf("failed to close database: %w", err)
	}
	blockstoreOperationsTotal.WithLabelValues("close_db", "success").Inc()
	return nil
}

func blockKey(c cid.Cid) []byte {
	return append([]byte(blockPrefix), c.Bytes()...)
}

// Get retrieves a block from the blockstore.
func (bs *LevelStore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	data, err := bs.db.Get(blockKey(c), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			blockstoreOperationsTotal.WithLabelValues("get", "not_found").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
		}
		blockstoreOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("failed to get block %s: %w", c, err)
	}

	blockstoreOperationsTotal.WithLabelValues("get", "success").Inc()
	return blocks.NewBlockWithCid(data, c)
}

// Put stores a block in the blockstore.
func (bs *LevelStore) Put(_ context.Context, b blocks.Block) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	key := blockKey(b.Cid())
	if ok, err := bs.db.Has(key, nil); err == nil && ok {
		blockstoreOperationsTotal.WithLabelValues("put", "exists").Inc()
		return nil
	}

	if err := bs.db.Put(key, b.RawData(), &opt.WriteOptions{Sync: true}); err != nil {
		blockstoreOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to store block %s: %w", b.Cid(), err)
	}

	blockstoreOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

// Has checks if a block exists in the blockstore.
func (bs *LevelStore) Has(_ context.Context, c cid.Cid) (bool, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	ok, err := bs.db.Has(blockKey(c), nil)
	if err != nil {
		return false, fmt.Errorf("failed to check block %s: %w", c, err)
	}
	return ok, nil
}

// AllKeysChan returns a channel that streams all block keys.
func (bs *LevelStore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	// This is an expensive operation, use with care.
	ch := make(chan cid.Cid)
	go func() {
		defer close(ch)
		bs.mu.RLock()
		defer bs.mu.RUnlock()

		iter := bs.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
		defer iter.Release()
		for iter.Next() {
			raw := bytes.TrimPrefix(iter.Key(), []byte(blockPrefix))
			c, err := cidutil.Cast(bytes.Clone(raw))
			if err != nil {
				continue
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if err := iter.Error(); err != nil {
			log.Errorf("iterator error while listing blocks: %s", err)
		}
	}()
	return ch, nil
}
