package cidutil

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Common multicodecs
const (
	// Raw is the multicodec code for raw binary blocks (leaf chunks)
	Raw uint64 = 0x55
	// DagPB is the multicodec code for dag-pb
	DagPB uint64 = 0x70
	// DagCBOR is the multicodec code for dag-cbor
	DagCBOR uint64 = 0x71
)

// Sum builds a CIDv1 over data using sha2-256 and the given codec.
func Sum(data []byte, codec uint64) (gocid.Cid, error) {
	m, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash sum: %w", err)
	}
	return gocid.NewCidV1(codec, m), nil
}

// Key returns the map key used to index wants by CID. Two CIDs with the same
// binary form share a key.
func Key(c gocid.Cid) string { return c.KeyString() }

// Cast parses a binary CID as found on the wire.
func Cast(b []byte) (gocid.Cid, error) {
	c, err := gocid.Cast(b)
	if err != nil {
		return gocid.Undef, fmt.Errorf("invalid cid bytes: %w", err)
	}
	return c, nil
}

// Parse parses a CID string.
func Parse(s string) (gocid.Cid, error) { return gocid.Parse(s) }

// CodecFromName maps a short codec name to its multicodec. Unknown names
// return false.
func CodecFromName(name string) (uint64, bool) {
	switch name {
	case "", "raw":
		return Raw, true
	case "dag-pb":
		return DagPB, true
	case "dag-cbor":
		return DagCBOR, true
	}
	return 0, false
}
