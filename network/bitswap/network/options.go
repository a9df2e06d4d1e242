package network

import (
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"

	"openhashdb-bitswap/network/bitswap/message"
)

const (
	ProtocolBitswap        = protocol.ID("/ipfs/bitswap/1.2.0")
	ProtocolBitswapOneOne  = protocol.ID("/ipfs/bitswap/1.1.0")
	ProtocolBitswapOneZero = protocol.ID("/ipfs/bitswap/1.0.0")
	ProtocolBitswapNoVers  = protocol.ID("/ipfs/bitswap")

	DefaultMaxInboundStreams      = 32
	DefaultMessageReceiveTimeout  = 10 * time.Second
	DefaultSendTimeout            = 10 * time.Second
	DefaultIdentifyTimeout        = 5 * time.Second
	DefaultSendConcurrency        = 50
	DefaultMaxIncomingMessageSize = 4 * 1024 * 1024
	DefaultMaxProvidersPerRequest = 3
)

// DefaultProtocols lists the protocol IDs registered and dialed, most
// preferred first.
var DefaultProtocols = []protocol.ID{
	ProtocolBitswap,
	ProtocolBitswapOneOne,
	ProtocolBitswapOneZero,
	ProtocolBitswapNoVers,
}

// DefaultDecodeLimits bounds repeated fields in inbound messages.
var DefaultDecodeLimits = message.Limits{
	Blocks:          1024,
	BlockPresences:  4096,
	WantlistEntries: 4096,
}

type options struct {
	protocols              []protocol.ID
	maxInboundStreams      int
	receiveTimeout         time.Duration
	sendTimeout            time.Duration
	identifyTimeout        time.Duration
	sendConcurrency        int
	maxIncomingMessageSize int
	maxProviders           int
	decodeLimits           message.Limits
}

func defaultOptions() options {
	return options{
		protocols:              DefaultProtocols,
		maxInboundStreams:      DefaultMaxInboundStreams,
		receiveTimeout:         DefaultMessageReceiveTimeout,
		sendTimeout:            DefaultSendTimeout,
		identifyTimeout:        DefaultIdentifyTimeout,
		sendConcurrency:        DefaultSendConcurrency,
		maxIncomingMessageSize: DefaultMaxIncomingMessageSize,
		maxProviders:           DefaultMaxProvidersPerRequest,
		decodeLimits:           DefaultDecodeLimits,
	}
}

// Option configures a Network.
type Option func(*options)

// WithProtocols overrides the protocol IDs the network speaks.
func WithProtocols(ids ...protocol.ID) Option {
	return func(o *options) { o.protocols = ids }
}

// WithMaxInboundStreams caps concurrently handled inbound streams. Extra
// streams are reset.
func WithMaxInboundStreams(n int) Option {
	return func(o *options) { o.maxInboundStreams = n }
}

// WithMessageReceiveTimeout sets how long an inbound stream may sit idle
// between messages.
func WithMessageReceiveTimeout(d time.Duration) Option {
	return func(o *options) { o.receiveTimeout = d }
}

func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

func WithIdentifyTimeout(d time.Duration) Option {
	return func(o *options) { o.identifyTimeout = d }
}

// WithSendConcurrency bounds the number of peers written to at once.
func WithSendConcurrency(n int) Option {
	return func(o *options) { o.sendConcurrency = n }
}

func WithMaxIncomingMessageSize(n int) Option {
	return func(o *options) { o.maxIncomingMessageSize = n }
}

// WithMaxProviders sets how many routed providers FindAndConnect dials when
// the caller does not say.
func WithMaxProviders(n int) Option {
	return func(o *options) { o.maxProviders = n }
}

func WithDecodeLimits(l message.Limits) Option {
	return func(o *options) { o.decodeLimits = l }
}
