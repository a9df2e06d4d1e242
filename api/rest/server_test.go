package rest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openhashdb-bitswap/core/block"
	"openhashdb-bitswap/core/cidutil"
	"openhashdb-bitswap/network/bitswap"
	"openhashdb-bitswap/network/bitswap/message"
	"openhashdb-bitswap/network/bitswap/peerwants"
	"openhashdb-bitswap/network/bitswap/session"
	"openhashdb-bitswap/network/bitswap/wantlist"
)

type fakeExchange struct {
	mu       sync.Mutex
	blocks   map[cid.Cid]blocks.Block
	notified []blocks.Block
	wants    []wantlist.Entry
	peerWant map[peer.ID][]peerwants.Entry
	ledgers  map[peer.ID]peerwants.Ledger
	partners []peer.ID
	// noProviders makes Want fail fast instead of waiting.
	noProviders bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		blocks:   map[cid.Cid]blocks.Block{},
		peerWant: map[peer.ID][]peerwants.Entry{},
		ledgers:  map[peer.ID]peerwants.Ledger{},
	}
}

func (f *fakeExchange) Want(ctx context.Context, c cid.Cid, _ bitswap.WantOptions) (blocks.Block, error) {
	f.mu.Lock()
	b, ok := f.blocks[c]
	f.mu.Unlock()
	if ok {
		return b, nil
	}
	if f.noProviders {
		return nil, fmt.Errorf("%w: %s", session.ErrInsufficientProviders, c)
	}
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", wantlist.ErrAborted, ctx.Err())
}

func (f *fakeExchange) Notify(_ context.Context, b blocks.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[b.Cid()] = b
	f.notified = append(f.notified, b)
	return nil
}

func (f *fakeExchange) LocalBlocks(ctx context.Context) (<-chan cid.Cid, error) {
	f.mu.Lock()
	keys := make([]cid.Cid, 0, len(f.blocks))
	for c := range f.blocks {
		keys = append(keys, c)
	}
	f.mu.Unlock()

	ch := make(chan cid.Cid, len(keys))
	for _, c := range keys {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeExchange) GetWantlist() []wantlist.Entry { return f.wants }

func (f *fakeExchange) GetPeerWantlist(p peer.ID) ([]peerwants.Entry, bool) {
	e, ok := f.peerWant[p]
	return e, ok
}

func (f *fakeExchange) LedgerForPeer(p peer.ID) (peerwants.Ledger, bool) {
	l, ok := f.ledgers[p]
	return l, ok
}

func (f *fakeExchange) Peers() []peer.ID { return f.partners }

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func do(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(newFakeExchange(), nil)
	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGetWantlist(t *testing.T) {
	ex := newFakeExchange()
	c, err := cidutil.Sum([]byte("wanted"), cidutil.Raw)
	require.NoError(t, err)
	ex.wants = []wantlist.Entry{{CID: c, Priority: 4, WantType: message.WantTypeBlock}}
	s := NewServer(ex, nil)

	rec := do(t, s, http.MethodGet, "/wantlist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp WantlistResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, c.String(), resp.Entries[0].CID)
	assert.Equal(t, int32(4), resp.Entries[0].Priority)
	assert.Equal(t, "block", resp.Entries[0].WantType)
}

func TestGetPeerWantlistAndLedger(t *testing.T) {
	ex := newFakeExchange()
	testPeer := newPeerID(t)
	c, err := cidutil.Sum([]byte("theirs"), cidutil.Raw)
	require.NoError(t, err)
	ex.peerWant[testPeer] = []peerwants.Entry{{CID: c, Priority: 2, WantType: message.WantTypeHave, SendDontHave: true}}
	ex.ledgers[testPeer] = peerwants.Ledger{Peer: testPeer, BytesSent: 10, Exchanged: 3}
	s := NewServer(ex, nil)

	rec := do(t, s, http.MethodGet, "/wantlist/"+testPeer.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wl WantlistResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wl))
	require.Len(t, wl.Entries, 1)
	assert.Equal(t, "have", wl.Entries[0].WantType)
	assert.True(t, wl.Entries[0].SendDontHave)

	rec = do(t, s, http.MethodGet, "/ledger/"+testPeer.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var l LedgerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &l))
	assert.Equal(t, uint64(10), l.BytesSent)
	assert.Equal(t, uint64(3), l.Exchanged)

	other := newPeerID(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/wantlist/"+other.String(), nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/ledger/"+other.String(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/ledger/not-a-peer", nil).Code)
}

func TestPutThenGetBlock(t *testing.T) {
	ex := newFakeExchange()
	s := NewServer(ex, nil)
	data := []byte("block body")

	rec := do(t, s, http.MethodPost, "/block?codec=raw", data)
	require.Equal(t, http.StatusCreated, rec.Code)
	var put PutBlockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &put))

	want, err := block.New(data)
	require.NoError(t, err)
	assert.Equal(t, want.Cid().String(), put.CID)
	assert.Equal(t, len(data), put.Size)
	require.Len(t, ex.notified, 1)

	rec = do(t, s, http.MethodGet, "/block/"+put.CID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestPutBlockUnknownCodec(t *testing.T) {
	s := NewServer(newFakeExchange(), nil)
	rec := do(t, s, http.MethodPost, "/block?codec=nope", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBlockErrors(t *testing.T) {
	s := NewServer(newFakeExchange(), nil)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/block/not-a-cid", nil).Code)

	c, err := cidutil.Sum([]byte("missing"), cidutil.Raw)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/block/"+c.String()+"?timeout=soon", nil).Code)

	rec := do(t, s, http.MethodGet, "/block/"+c.String()+"?timeout=50ms", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusGatewayTimeout, resp.Code)
}

func TestGetBlockWithoutProviders(t *testing.T) {
	ex := newFakeExchange()
	ex.noProviders = true
	s := NewServer(ex, nil)

	c, err := cidutil.Sum([]byte("unprovided"), cidutil.Raw)
	require.NoError(t, err)
	rec := do(t, s, http.MethodGet, "/block/"+c.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBlocks(t *testing.T) {
	ex := newFakeExchange()
	s := NewServer(ex, nil)
	for _, d := range []string{"one", "two", "three"} {
		require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/block", []byte(d)).Code)
	}

	rec := do(t, s, http.MethodGet, "/blocks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all BlocksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all.CIDs, 3)
	assert.False(t, all.Truncated)
	one, err := block.New([]byte("one"))
	require.NoError(t, err)
	assert.Contains(t, all.CIDs, one.Cid().String())

	rec = do(t, s, http.MethodGet, "/blocks?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var some BlocksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &some))
	assert.Len(t, some.CIDs, 2)
	assert.True(t, some.Truncated)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/blocks?limit=-1", nil).Code)
}

func TestPeers(t *testing.T) {
	ex := newFakeExchange()
	testPeer := newPeerID(t)
	ex.partners = []peer.ID{testPeer}
	s := NewServer(ex, nil)

	rec := do(t, s, http.MethodGet, "/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PeersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{testPeer.String()}, resp.Partners)
	assert.Empty(t, resp.Connected)
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(newFakeExchange(), nil)
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
