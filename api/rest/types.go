package rest

import "time"

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	PeerID    string    `json:"peer_id,omitempty"`
}

type WantlistEntry struct {
	CID          string `json:"cid"`
	Priority     int32  `json:"priority"`
	WantType     string `json:"want_type"`
	SendDontHave bool   `json:"send_dont_have,omitempty"`
}

type WantlistResponse struct {
	Peer    string          `json:"peer,omitempty"`
	Entries []WantlistEntry `json:"entries"`
}

type LedgerResponse struct {
	Peer          string `json:"peer"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	Exchanged     uint64 `json:"exchanged"`
}

type PeersResponse struct {
	PeerID    string   `json:"peer_id,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	Connected []string `json:"connected"`
	// Partners have sent this node at least one bitswap message.
	Partners []string `json:"partners"`
}

type BlocksResponse struct {
	CIDs []string `json:"cids"`
	// Truncated is set when limit cut the listing short.
	Truncated bool `json:"truncated,omitempty"`
}

type PutBlockResponse struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}
