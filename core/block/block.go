package block

import (
	"errors"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	cidlib "github.com/ipfs/go-cid"

	"openhashdb-bitswap/core/cidutil"
)

var (
	// ErrHashMismatch is returned when provided hash does not match data.
	ErrHashMismatch = errors.New("block hash does not match data")
	// ErrInvalidPrefix is returned when a wire prefix cannot be parsed.
	ErrInvalidPrefix = errors.New("invalid cid prefix")
)

// New creates a raw-codec CIDv1 block from data. The bytes are copied so the
// caller may reuse its buffer.
func New(data []byte) (blocks.Block, error) {
	return NewWithCodec(data, cidutil.Raw)
}

// NewWithCodec is New with an explicit multicodec.
func NewWithCodec(data []byte, codec uint64) (blocks.Block, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	c, err := cidutil.Sum(buf, codec)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(buf, c)
}

// FromPrefixData rebuilds a block received as (prefix, data). The CID is
// recomputed from the data; nothing on the wire is trusted beyond the
// prefix parameters.
func FromPrefixData(prefix, data []byte) (blocks.Block, error) {
	p, err := cidlib.PrefixFromBytes(prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrefix, err)
	}
	c, err := p.Sum(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash block: %w", err)
	}
	return blocks.NewBlockWithCid(data, c)
}

// Prefix returns the encoded CID prefix sent alongside block data.
func Prefix(b blocks.Block) []byte { return b.Cid().Prefix().Bytes() }

// Verify recomputes the hash of the data and checks it matches the CID.
func Verify(b blocks.Block) error {
	c, err := b.Cid().Prefix().Sum(b.RawData())
	if err != nil {
		return fmt.Errorf("failed to hash block: %w", err)
	}
	if !c.Equals(b.Cid()) {
		return ErrHashMismatch
	}
	return nil
}
