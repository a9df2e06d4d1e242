package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/libp2p/go-libp2p/core/peer"

	"openhashdb-bitswap/core/block"
	"openhashdb-bitswap/core/cidutil"
	"openhashdb-bitswap/network/bitswap"
	"openhashdb-bitswap/network/bitswap/session"
)

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	if s.node != nil {
		resp.PeerID = s.node.ID().String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getWantlist(w http.ResponseWriter, r *http.Request) {
	entries := s.exchange.GetWantlist()
	resp := WantlistResponse{Entries: make([]WantlistEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, WantlistEntry{
			CID:      e.CID.String(),
			Priority: e.Priority,
			WantType: e.WantType.String(),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) peerVar(w http.ResponseWriter, r *http.Request) (peer.ID, bool) {
	p, err := peer.Decode(mux.Vars(r)["peer"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid peer ID", err)
		return "", false
	}
	return p, true
}

func (s *Server) getPeerWantlist(w http.ResponseWriter, r *http.Request) {
	p, ok := s.peerVar(w, r)
	if !ok {
		return
	}
	entries, ok := s.exchange.GetPeerWantlist(p)
	if !ok {
		s.writeError(w, http.StatusNotFound, "No wantlist for peer "+p.String(), nil)
		return
	}
	resp := WantlistResponse{Peer: p.String(), Entries: make([]WantlistEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, WantlistEntry{
			CID:          e.CID.String(),
			Priority:     e.Priority,
			WantType:     e.WantType.String(),
			SendDontHave: e.SendDontHave,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	p, ok := s.peerVar(w, r)
	if !ok {
		return
	}
	l, ok := s.exchange.LedgerForPeer(p)
	if !ok {
		s.writeError(w, http.StatusNotFound, "No ledger for peer "+p.String(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, LedgerResponse{
		Peer:          p.String(),
		BytesSent:     l.BytesSent,
		BytesReceived: l.BytesReceived,
		Exchanged:     l.Exchanged,
	})
}

func (s *Server) getPeers(w http.ResponseWriter, r *http.Request) {
	resp := PeersResponse{Connected: []string{}, Partners: []string{}}
	if s.node != nil {
		resp.PeerID = s.node.ID().String()
		resp.Addresses = s.node.Addrs()
		for _, p := range s.node.ConnectedPeers() {
			resp.Connected = append(resp.Connected, p.String())
		}
	}
	for _, p := range s.exchange.Peers() {
		resp.Partners = append(resp.Partners, p.String())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// getBlock fetches a block, from the network if necessary, and returns its
// raw bytes.
func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	c, err := cidutil.Parse(mux.Vars(r)["cid"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid CID", err)
		return
	}

	timeout := DefaultWantTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		timeout, err = time.ParseDuration(v)
		if err != nil || timeout <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid timeout", err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	b, err := s.exchange.Want(ctx, c, bitswap.WantOptions{})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "Block not found in time", err)
		return
	case errors.Is(err, session.ErrInsufficientProviders):
		s.writeError(w, http.StatusNotFound, "No provider has the block", err)
		return
	case err != nil:
		s.writeError(w, http.StatusBadGateway, "Failed to retrieve block", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Content-CID", b.Cid().String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b.RawData()); err != nil {
		log.Debugf("failed to write block %s: %s", c, err)
	}
}

// listBlocks lists the CIDs in the local store, up to limit if given.
func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	limit := -1
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	keys, err := s.exchange.LocalBlocks(ctx)
	if err != nil {
		s.writeError(w, http.StatusNotImplemented, "Cannot list blocks", err)
		return
	}

	resp := BlocksResponse{CIDs: []string{}}
	for c := range keys {
		if limit >= 0 && len(resp.CIDs) == limit {
			resp.Truncated = true
			break
		}
		resp.CIDs = append(resp.CIDs, c.String())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// putBlock stores the request body as a block, serves it to peers that want
// it, and announces it on the routing system.
func (s *Server) putBlock(w http.ResponseWriter, r *http.Request) {
	codec := cidutil.Raw
	if name := r.URL.Query().Get("codec"); name != "" {
		var ok bool
		if codec, ok = cidutil.CodecFromName(name); !ok {
			s.writeError(w, http.StatusBadRequest, "Unknown codec "+name, nil)
			return
		}
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBlockSize))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Failed to read block", err)
		return
	}
	b, err := block.NewWithCodec(data, codec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to build block", err)
		return
	}
	if err := s.exchange.Notify(r.Context(), b); err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to store block", err)
		return
	}

	if s.node != nil {
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
			defer cancel()
			if err := s.node.Provide(ctx, b.Cid()); err != nil {
				log.Debugf("failed to announce %s: %s", b.Cid(), err)
			}
		}()
	}

	s.writeJSON(w, http.StatusCreated, PutBlockResponse{CID: b.Cid().String(), Size: len(data)})
}
