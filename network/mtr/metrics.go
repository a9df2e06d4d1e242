package mtr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NetworkErrorsTotal counts the total number of network errors
var NetworkErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openhashdb_network_errors_total",
		Help: "Total number of network errors",
	},
	[]string{"type"},
)

// NetworkRetriesTotal counts the total number of network operation retries
var NetworkRetriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "openhashdb_network_retries_total",
		Help: "Total number of network operation retries",
	},
)

// PeerConnectionsTotal counts the total number of peer connections
var PeerConnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "openhashdb_peer_connections_total",
		Help: "Total number of peer connections",
	},
)

// PeerDisconnectionsTotal counts the total number of peer disconnections
var PeerDisconnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "openhashdb_peer_disconnections_total",
		Help: "Total number of peer disconnections",
	},
)

// BitswapMessagesTotal counts bitswap messages by direction (sent, received)
var BitswapMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_messages_total",
		Help: "Total number of bitswap messages",
	},
	[]string{"direction"},
)

// BitswapMessagesMergedTotal counts outbound messages folded into an already queued send
var BitswapMessagesMergedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_messages_merged_total",
		Help: "Total number of outbound bitswap messages merged into a queued send",
	},
)

// BitswapBytesTotal counts encoded message bytes by direction
var BitswapBytesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_bytes_total",
		Help: "Total number of bitswap message bytes",
	},
	[]string{"direction"},
)

// BitswapSendErrorsTotal counts failed sends by stage (dial, write)
var BitswapSendErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_send_errors_total",
		Help: "Total number of failed bitswap sends",
	},
	[]string{"stage"},
)

// BitswapStreamResetsTotal counts inbound streams aborted by reason
var BitswapStreamResetsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_stream_resets_total",
		Help: "Total number of inbound bitswap streams reset",
	},
	[]string{"reason"},
)

// BitswapBlocksReceivedTotal counts received blocks by status (wanted, unwanted, invalid)
var BitswapBlocksReceivedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_blocks_received_total",
		Help: "Total number of blocks received over bitswap",
	},
	[]string{"status"},
)

// BitswapBlocksSentTotal counts blocks sent to peers
var BitswapBlocksSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_blocks_sent_total",
		Help: "Total number of blocks sent over bitswap",
	},
)

// BitswapPresencesSentTotal counts presences sent by type (have, dont-have)
var BitswapPresencesSentTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_presences_sent_total",
		Help: "Total number of block presences sent over bitswap",
	},
	[]string{"type"},
)

// BitswapWantlistSize tracks the number of CIDs the local node wants
var BitswapWantlistSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "openhashdb_bitswap_wantlist_size",
		Help: "Number of CIDs in the local wantlist",
	},
)

// BitswapSessionsActive tracks open retrieval sessions
var BitswapSessionsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "openhashdb_bitswap_sessions_active",
		Help: "Number of open bitswap sessions",
	},
)

// BitswapProviderEvictionsTotal counts providers evicted from sessions
var BitswapProviderEvictionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_provider_evictions_total",
		Help: "Total number of providers evicted from sessions",
	},
)

// BitswapSessionRetriesTotal counts provider re-discovery rounds
var BitswapSessionRetriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "openhashdb_bitswap_session_retries_total",
		Help: "Total number of session provider re-discovery rounds",
	},
)
