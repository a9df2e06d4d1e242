// Package rest serves a small HTTP API over a running bitswap engine.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"openhashdb-bitswap/network/bitswap"
	"openhashdb-bitswap/network/bitswap/peerwants"
	"openhashdb-bitswap/network/bitswap/wantlist"
)

var log = logging.Logger("rest")

const (
	DefaultWantTimeout = 30 * time.Second
	MaxBlockSize       = 4 << 20
)

// Exchange is the part of the bitswap engine the API drives.
type Exchange interface {
	Want(ctx context.Context, c cid.Cid, opts bitswap.WantOptions) (blocks.Block, error)
	Notify(ctx context.Context, b blocks.Block) error
	LocalBlocks(ctx context.Context) (<-chan cid.Cid, error)
	GetWantlist() []wantlist.Entry
	GetPeerWantlist(p peer.ID) ([]peerwants.Entry, bool)
	LedgerForPeer(p peer.ID) (peerwants.Ledger, bool)
	Peers() []peer.ID
}

// Node is the host information shown by the API. It may be nil.
type Node interface {
	ID() peer.ID
	Addrs() []string
	ConnectedPeers() []peer.ID
	Provide(ctx context.Context, c cid.Cid) error
}

// Server is the REST API server.
type Server struct {
	exchange Exchange
	node     Node
	router   *mux.Router
	server   *http.Server

	// ctx bounds background work such as provider announcements.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server. node may be nil.
func NewServer(exchange Exchange, node Node) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		exchange: exchange,
		node:     node,
		router:   mux.NewRouter(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: DefaultWantTimeout + 30*time.Second,
	}
	log.Infof("starting REST API server on %s", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("REST API server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorf("failed to encode JSON response: %s", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
		log.Debugf("API error: %s", errorMsg)
	}
	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: errorMsg,
	})
}
