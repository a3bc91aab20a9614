package core

// genesis.go loads the genesis balance allocation referenced by
// Config.Network.GenesisFile (pkg/config) and builds the network's first
// block from it, grounded in the teacher's ledger.go genesis-block handling
// (NewLedger's cfg.GenesisBlock path) and network.go's YAML-driven peer
// bootstrap config, generalized from peer lists to account balances.

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

// GenesisAlloc is one pre-funded account entry in a genesis allocation file.
type GenesisAlloc struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

// GenesisSpec is the top-level shape of a genesis YAML file: a handful of
// chain-wide constants plus the allocation table.
type GenesisSpec struct {
	ChainID   uint32         `yaml:"chain_id"`
	Timestamp int64          `yaml:"timestamp"`
	Mint      Destination    `yaml:"-"`
	MintHex   string         `yaml:"mint"`
	Allocs    []GenesisAlloc `yaml:"allocations"`
}

// LoadGenesisSpec reads and parses a genesis allocation file at path.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewChainError(ErrIoError, "LoadGenesisSpec", err)
	}
	var spec GenesisSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, NewChainError(ErrDbCorrupt, "LoadGenesisSpec", fmt.Errorf("parse genesis file: %w", err))
	}
	if spec.MintHex != "" {
		b, err := hexDecodeDestination(spec.MintHex)
		if err != nil {
			return nil, NewChainError(ErrInvalid, "LoadGenesisSpec", fmt.Errorf("mint address: %w", err))
		}
		spec.Mint = b
	}
	return &spec, nil
}

// hexDecodeDestination parses a Destination the same way DestinationFromBytes
// expects: a hex-encoded 33-byte tagged address.
func hexDecodeDestination(s string) (Destination, error) {
	b, ok := destHexToBytes(s)
	if !ok {
		return Destination{}, fmt.Errorf("malformed destination %q", s)
	}
	d, ok := DestinationFromBytes(b)
	if !ok {
		return Destination{}, fmt.Errorf("wrong-length destination %q", s)
	}
	return d, nil
}

func destHexToBytes(s string) ([]byte, bool) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 != 0 {
		return nil, false
	}
	b := make([]byte, len(s)/2)
	for i := 0; i < len(b); i++ {
		hi, ok1 := hexNibble(s[2*i])
		lo, ok2 := hexNibble(s[2*i+1])
		if !ok1 || !ok2 {
			return nil, false
		}
		b[i] = hi<<4 | lo
	}
	return b, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// BuildGenesisBlock funds every allocation in spec into a fresh StateDB and
// seals a BlockGenesis block over the resulting state root, the same shape
// NewLedger's cfg.GenesisBlock path expects.
func BuildGenesisBlock(trie *TrieDB, spec *GenesisSpec) (*Block, *StateDB, error) {
	state := NewStateDB(trie, Hash{}, Hash{}, Hash{}, Hash{})
	for _, alloc := range spec.Allocs {
		d, err := hexDecodeDestination(alloc.Address)
		if err != nil {
			return nil, nil, NewChainError(ErrInvalid, "BuildGenesisBlock", err)
		}
		amount, ok := new(big.Int).SetString(alloc.Balance, 10)
		if !ok {
			return nil, nil, NewChainError(ErrInvalid, "BuildGenesisBlock", fmt.Errorf("malformed balance %q", alloc.Balance))
		}
		acc := NewAccountState()
		acc.Balance = amount
		state.PutAccount(d, acc)
	}

	roots, err := state.Commit()
	if err != nil {
		return nil, nil, err
	}

	block := &Block{
		Header: BlockHeader{
			Version:          1,
			Type:             BlockGenesis,
			Timestamp:        spec.Timestamp,
			Number:           0,
			HashStateRoot:    CompositeStateRoot(roots),
			HashReceiptsRoot: ReceiptsRoot(nil),
			Proofs:           Proofs{MintCoin: spec.Mint},
		},
	}
	block.Header.HashMerkleRoot = block.MerkleRoot()
	return block, state, nil
}
