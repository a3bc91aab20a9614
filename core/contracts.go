package core

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// ContractInfo is the deployment-time metadata kept alongside a contract's
// code and storage trie, separate from consensus-relevant AccountState so
// explorers and tooling can query it without touching the state root.
type ContractInfo struct {
	Address   Destination `json:"address"`
	Creator   Destination `json:"creator"`
	CodeHash  Hash        `json:"code_hash"`
	GasLimit  Gas         `json:"gas_limit"`
	Owner     Destination `json:"owner"`
	Paused    bool        `json:"paused"`
	CreatedAt time.Time   `json:"created_at"`
}

// ContractRegistry tracks deployed contracts' off-consensus metadata. The
// authoritative code and storage live in the StateDB trie; the registry is a
// convenience index rebuilt from block replay, matching the teacher's split
// between ledger-authoritative state and an in-process lookup cache.
type ContractRegistry struct {
	mu     sync.RWMutex
	byAddr map[Destination]*ContractInfo
}

var (
	contractRegistryOnce sync.Once
	contractRegistry     *ContractRegistry
)

func InitContracts() {
	contractRegistryOnce.Do(func() {
		contractRegistry = &ContractRegistry{byAddr: make(map[Destination]*ContractInfo)}
	})
}

func GetContractRegistry() *ContractRegistry {
	InitContracts()
	return contractRegistry
}

// CompileWASM compiles a .wat source (or passes through a prebuilt .wasm)
// into a deterministic byte blob, used for function-template deployments
// that opt into the WASM runtime rather than the EVM.
func CompileWASM(srcPath, outDir string) ([]byte, Hash, error) {
	ext := filepath.Ext(srcPath)
	if ext != ".wat" && ext != ".wasm" {
		return nil, Hash{}, errors.New("unsupported source: must be .wat or prebuilt .wasm")
	}
	var wasm []byte
	if ext == ".wasm" {
		b, err := os.ReadFile(srcPath)
		if err != nil {
			return nil, Hash{}, err
		}
		wasm = b
	} else {
		out := filepath.Join(outDir, filepath.Base(srcPath)+".wasm")
		if err := exec.Command("wat2wasm", "-o", out, srcPath).Run(); err != nil {
			return nil, Hash{}, err
		}
		b, err := os.ReadFile(out)
		if err != nil {
			return nil, Hash{}, err
		}
		wasm = b
	}
	return wasm, keccak256(wasm), nil
}

// Deploy registers a new contract's metadata. The caller is responsible for
// having already written the code and initial AccountState into the StateDB
// as part of the enclosing transaction (see executor.go dispatchCreate).
func (cr *ContractRegistry) Deploy(addr, creator Destination, codeHash Hash, gas Gas) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if _, exists := cr.byAddr[addr]; exists {
		return errors.New("contract already deployed")
	}
	cr.byAddr[addr] = &ContractInfo{
		Address:   addr,
		Creator:   creator,
		CodeHash:  codeHash,
		GasLimit:  gas,
		Owner:     creator,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (cr *ContractRegistry) Get(addr Destination) (*ContractInfo, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	c, ok := cr.byAddr[addr]
	return c, ok
}

func (cr *ContractRegistry) TransferOwnership(addr, newOwner Destination) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	c, ok := cr.byAddr[addr]
	if !ok {
		return errors.New("contract not found")
	}
	c.Owner = newOwner
	return nil
}

func (cr *ContractRegistry) SetPaused(addr Destination, paused bool) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	c, ok := cr.byAddr[addr]
	if !ok {
		return errors.New("contract not found")
	}
	c.Paused = paused
	return nil
}

func (cr *ContractRegistry) IsPaused(addr Destination) bool {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	c, ok := cr.byAddr[addr]
	return ok && c.Paused
}

func (cr *ContractRegistry) Info(addr Destination) ([]byte, error) {
	cr.mu.RLock()
	c, ok := cr.byAddr[addr]
	cr.mu.RUnlock()
	if !ok {
		return nil, errors.New("contract not found")
	}
	return json.MarshalIndent(c, "", "  ")
}

func (cr *ContractRegistry) All() map[Destination]*ContractInfo {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	out := make(map[Destination]*ContractInfo, len(cr.byAddr))
	for a, c := range cr.byAddr {
		out[a] = c
	}
	return out
}

// DeriveContractAddress deterministically derives a contract's address from
// its creator, init code and nonce: the keccak256 of creator bytes, code and
// the big-endian nonce, tagged into this chain's Destination namespace.
// Unlike go-ethereum's CREATE scheme, the init code is part of the hash.
func DeriveContractAddress(creator Destination, code []byte, nonce Nonce) Destination {
	buf := append(append([]byte{}, creator.Bytes()...), code...)
	var nb [8]byte
	for i := 0; i < 8; i++ {
		nb[i] = byte(nonce >> (8 * (7 - i)))
	}
	buf = append(buf, nb[:]...)
	h := keccak256(buf)
	return Destination{Tag: DestTagContract, ID: h}
}
