package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openhashdb-bitswap/api/rest"
)

func TestSplitBootnodes(t *testing.T) {
	assert.Nil(t, splitBootnodes(""))
	assert.Equal(t, []string{"/ip4/1.2.3.4/tcp/1", "/ip4/5.6.7.8/tcp/2"},
		splitBootnodes(" /ip4/1.2.3.4/tcp/1 ,, /ip4/5.6.7.8/tcp/2"))
}

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/block/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusGatewayTimeout)
			_ = json.NewEncoder(w).Encode(rest.ErrorResponse{Code: 504, Message: "Block not found in time"})
			return
		}
		assert.Equal(t, "2s", r.URL.Query().Get("timeout"))
		_, _ = w.Write([]byte("block bytes"))
	})
	mux.HandleFunc("/block", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rest.PutBlockResponse{CID: "cid-for-" + r.URL.Query().Get("codec"), Size: len(body)})
	})
	mux.HandleFunc("/wantlist", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rest.WantlistResponse{Entries: []rest.WantlistEntry{{CID: "c1", WantType: "block", Priority: 1}}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientGetBlock(t *testing.T) {
	c := newClient(fakeAPI(t).URL)

	var out bytes.Buffer
	require.NoError(t, c.getBlock("bafy", 2*time.Second, &out))
	assert.Equal(t, "block bytes", out.String())

	err := c.getBlock("missing", 2*time.Second, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Block not found in time")
}

func TestClientPutBlock(t *testing.T) {
	c := newClient(fakeAPI(t).URL)
	resp, err := c.putBlock(strings.NewReader("hello"), "dag-pb")
	require.NoError(t, err)
	assert.Equal(t, "cid-for-dag-pb", resp.CID)
	assert.Equal(t, 5, resp.Size)
}

func TestClientWantlist(t *testing.T) {
	c := newClient(fakeAPI(t).URL)
	resp, err := c.wantlist("")
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "c1", resp.Entries[0].CID)
}
