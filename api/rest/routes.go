package rest

import "github.com/prometheus/client_golang/prometheus/promhttp"

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/health", s.healthCheck).Methods("GET", "OPTIONS")

	s.router.HandleFunc("/wantlist", s.getWantlist).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/wantlist/{peer}", s.getPeerWantlist).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/ledger/{peer}", s.getLedger).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/peers", s.getPeers).Methods("GET", "OPTIONS")

	s.router.HandleFunc("/block/{cid}", s.getBlock).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/block", s.putBlock).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/blocks", s.listBlocks).Methods("GET", "OPTIONS")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
