package core

import (
	"sync"

	"github.com/ethereum/go-ethereum/params"
)

var (
	ledgerOnce   sync.Once
	globalLedger *Ledger
	authSetOnce  sync.Once
	globalAuth   *AuthoritySet
)

// InitLedger initialises the global ledger using OpenLedger at the given path.
func InitLedger(path string) error {
	var err error
	ledgerOnce.Do(func() {
		globalLedger, err = OpenLedger(path)
	})
	return err
}

// CurrentLedger returns the global ledger instance if initialised.
func CurrentLedger() *Ledger { return globalLedger }

// InitAuthoritySet stores a global authority set for CLI helpers.
func InitAuthoritySet(set *AuthoritySet) {
	authSetOnce.Do(func() { globalAuth = set })
}

// CurrentAuthoritySet returns the global authority set if initialised.
func CurrentAuthoritySet() *AuthoritySet { return globalAuth }

// ------------------------------------------------------------------
// Simple flat gas calculator used by CLI stubs and transfer-only transactions
// ------------------------------------------------------------------

type FlatGasCalculator struct{ Price uint64 }

func NewFlatGasCalculator(p uint64) *FlatGasCalculator { return &FlatGasCalculator{Price: p} }

func (f *FlatGasCalculator) Estimate(_ []byte) (Gas, error)     { return params.TxGas, nil }
func (f *FlatGasCalculator) Calculate(_ string, amt uint64) Gas { return f.Price * amt }

// ------------------------------------------------------------------
// DynamicGasCalculator estimates EVM call data cost using go-ethereum's
// intrinsic-gas accounting instead of a bespoke opcode table.
// ------------------------------------------------------------------

// DynamicGasCalculator estimates the intrinsic gas of a contract-call payload
// (the base transaction cost plus per-byte calldata cost), mirroring the cost
// model the EVM itself charges before interpretation begins.
type DynamicGasCalculator struct{ IsCreate bool }

func NewDynamicGasCalculator() *DynamicGasCalculator { return &DynamicGasCalculator{} }

// Estimate sums the intrinsic gas for the given calldata: a flat base cost
// plus per-byte zero/non-zero data costs, the same accounting go-ethereum
// applies in core.IntrinsicGas before the interpreter ever runs.
func (d *DynamicGasCalculator) Estimate(payload []byte) (Gas, error) {
	var gas uint64
	if d.IsCreate {
		gas = params.TxGasContractCreation
	} else {
		gas = params.TxGas
	}
	for _, b := range payload {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGasFrontier
		}
	}
	return gas, nil
}

// Calculate returns the gas for performing the named operation `amt` times.
// Recognised names map onto go-ethereum's well-known opcode/storage costs;
// unknown names fall back to a single SSTORE-equivalent cost.
func (d *DynamicGasCalculator) Calculate(name string, amt uint64) Gas {
	switch name {
	case "sstore":
		return params.SstoreSetGasEIP2200 * amt
	case "sload":
		return params.SloadGasEIP2200 * amt
	case "call":
		return params.CallGasFrontier * amt
	case "create":
		return params.CreateGas * amt
	case "log":
		return params.LogGas * amt
	default:
		return params.SstoreSetGasEIP2200 * amt
	}
}
