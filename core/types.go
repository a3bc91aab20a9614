package core

// types.go – centralised semantic types referenced across the chain engine.
// Kept deliberately small: richer struct definitions (Block, Transaction,
// Receipt, accounts, …) live in their own files so this one stays a stable
// import root with no cyclic dependencies.

import (
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Hash is a 256-bit content identifier. Block hashes embed the block height
// in the top 32 bits so the height can be recovered in O(1) without a trie
// lookup (see Block.Hash).
type Hash [32]byte

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// HeightFromHash extracts the height embedded in the top 4 bytes of a block
// hash produced by Block.Hash.
func HeightFromHash(h Hash) uint32 {
	return uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
}

// DestTag tags the kind of identifier a Destination carries.
type DestTag uint8

const (
	DestTagPubkey DestTag = iota
	DestTagTemplate
	DestTagContract
)

// Destination is a 33-byte tagged address: one prefix byte identifying the
// kind of address (pubkey, template, contract) followed by a 32-byte
// identifier. Destination is the unit the trie, executor and consensus
// driver key all per-address state on.
type Destination struct {
	Tag DestTag
	ID  [32]byte
}

func (d Destination) Bytes() []byte {
	b := make([]byte, 33)
	b[0] = byte(d.Tag)
	copy(b[1:], d.ID[:])
	return b
}

func (d Destination) Hex() string { return hex.EncodeToString(d.Bytes()) }

func (d Destination) IsZero() bool { return d.Tag == DestTagPubkey && d.ID == [32]byte{} }

// DestinationFromBytes parses a 33-byte tagged destination.
func DestinationFromBytes(b []byte) (Destination, bool) {
	if len(b) != 33 {
		return Destination{}, false
	}
	var d Destination
	d.Tag = DestTag(b[0])
	copy(d.ID[:], b[1:])
	return d, true
}

// DestinationFromCommon lifts a 20-byte go-ethereum address into a
// contract-tagged Destination, zero-extended in the high bytes. Used at the
// EVM host boundary where go-ethereum's vm.StateDB speaks 20-byte addresses.
func DestinationFromCommon(a common.Address) Destination {
	var d Destination
	d.Tag = DestTagContract
	copy(d.ID[12:], a.Bytes())
	return d
}

func (d Destination) Common() common.Address {
	var a common.Address
	copy(a[:], d.ID[12:])
	return a
}

// ChainId identifies a fork. Fork zero is the primary chain.
type ChainId uint32

// Amount, GasPrice and Gas are 256-bit unsigned quantities. big.Int is used
// directly rather than a fixed-width type: the executor never needs
// constant-time arithmetic and big.Int keeps overflow checks explicit.
type Amount = big.Int
type GasPrice = big.Int

// Gas and Nonce fit in 64 bits: a single block is bounded by
// MAX_BLOCK_GAS_LIMIT and nonces are a per-sender-per-fork counter.
type Gas = uint64
type Nonce = uint64

func NewAmount(v int64) *Amount { return big.NewInt(v) }

// Reserved destinations. ID bytes are left-padded ASCII tags so they read
// clearly in hex dumps and can never collide with a real keccak-derived id
// (which is uniformly distributed).
var (
	FunctionContractAddress = reservedDest("function-contract")
	TimeVaultSinkAddress    = reservedDest("time-vault-sink")
	ForkTemplateAddress     = reservedDest("fork-template")
)

func reservedDest(tag string) Destination {
	var d Destination
	d.Tag = DestTagTemplate
	copy(d.ID[32-len(tag):], tag)
	return d
}
