package core

// common_structs.go centralises the struct definitions shared across the
// consensus, replication and network adapters so those files can stay free
// of import cycles.

import (
	"context"
	"net"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
	log "github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Authority subsystem
//---------------------------------------------------------------------

type AuthorityNode struct {
	Addr        Destination   `json:"addr"`
	Wallet      Destination   `json:"wallet"`
	Role        AuthorityRole `json:"role"`
	Active      bool          `json:"active"`
	PublicVotes uint32        `json:"pv"`
	AuthVotes   uint32        `json:"av"`
	CreatedAt   int64         `json:"since"`
}

type AuthoritySet struct {
	logger  *log.Logger
	led     StateRW
	mu      sync.RWMutex
}

//---------------------------------------------------------------------
// P2P structs
//---------------------------------------------------------------------

type NodeID string

type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
	Conn    net.Conn
}

type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

type NetConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       NetConfig
}

//---------------------------------------------------------------------
// Replication
//---------------------------------------------------------------------

type Replicator struct {
	logger  *log.Logger
	cfg     *ReplicationConfig
	ledger  BlockReader
	pm      PeerManager
	closing chan struct{}
	wg      sync.WaitGroup
	rangeCh chan []*Block
}

type ReplicationConfig struct {
	MaxConcurrent  int
	ChunksPerSec   int
	RetryBackoff   time.Duration
	PeerThreshold  int
	Fanout         uint
	RequestTimeout time.Duration
	SyncBatchSize  uint64
}

type BlockReader interface {
	GetBlock(height uint64) (*Block, error)
	LastHeight() uint64
	HasBlock(hash Hash) bool
	BlockByHash(hash Hash) (*Block, error)
	ImportBlock(b *Block) error
}

type PeerManager interface {
	Peers() []PeerInfo
	Connect(addr string) error
	Disconnect(id NodeID) error
	Sample(n int) []string
	SendAsync(peerID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
}

type PeerInfo struct {
	Address Destination `json:"address"`
	RTT     float64     `json:"rtt_ms"`
	Misses  int         `json:"misses"`
	Updated int64       `json:"updated_unix"`
}

type InboundMsg struct {
	PeerID  string      `json:"peer_id"`
	Code    byte        `json:"code"`
	Payload []byte      `json:"payload"`
	Topic   string      `json:"topic,omitempty"`
	From    Destination `json:"from,omitempty"`
	Ts      int64       `json:"ts"`
}

//---------------------------------------------------------------------
// HD Wallet
//---------------------------------------------------------------------

type HDWallet struct {
	seed        []byte
	masterKey   []byte
	masterChain []byte
	logger      *log.Logger
}

// -----------------------------------------------------------------------------
// StateRW – narrow ledger read/write surface used by the non-executor
// subsystems (authority, access control, stake/penalty, txpool). The
// executor itself talks to the richer StateDB (statedb.go); StateRW is
// implemented by Ledger as a thin adapter over it plus a flat key/value
// namespace for subsystem bookkeeping that doesn't belong in consensus state.
// -----------------------------------------------------------------------------

type StateIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

type StateRW interface {
	GetState(key []byte) ([]byte, error)
	SetState(key, value []byte) error
	DeleteState(key []byte) error
	HasState(key []byte) (bool, error)
	PrefixIterator(prefix []byte) StateIterator
	BalanceOf(d Destination) *Amount
	NonceOf(d Destination) Nonce
	Transfer(from, to Destination, amount *Amount) error
}

type ReadOnlyState interface {
	BalanceOf(d Destination) *Amount
	NonceOf(d Destination) Nonce
}

type GasCalculator interface {
	Estimate(payload []byte) (Gas, error)
	Calculate(op string, amount uint64) Gas
}
