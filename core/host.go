package core

// host.go is the shared dispatch boundary the block executor (executor.go)
// calls through for both contract runtimes described in spec §4.4.3: a
// black-box EVM interpreter (go-ethereum core/vm, invoked via evmHost) and a
// WASM runtime (wasmer-go, invoked via wasmHost, grounded in the teacher's
// virtual_machine.go HeavyVM/hostCtx/registerHost pattern but retyped from
// the teacher's 20-byte Address onto this chain's Destination). Neither
// runtime touches StateDB directly: both see it only through the narrow
// StateRW-shaped bindings below, so the executor never has to know which
// runtime produced a given Receipt.

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// vmKind distinguishes which runtime a CODE_TYPE_CONTRACT deployment targets,
// decided from its code's leading magic bytes (the WASM binary format starts
// with "\0asm"; anything else is treated as EVM bytecode).
type vmKind uint8

const (
	vmKindEVM vmKind = iota
	vmKindWASM
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// blockGasLimit bounds a single block's aggregate EVM gas the way go-ethereum's
// BlockContext.GasLimit does; this chain's gas accounting is otherwise
// per-transaction (Transaction.GasLimit), so this only fences individual EVM
// calls against a runaway interpreter loop.
const blockGasLimit = 30_000_000

// SelectVM inspects code and reports which runtime the executor should
// dispatch to, mirroring the teacher's SelectVM(code) switch.
func SelectVM(code []byte) vmKind {
	if len(code) >= 4 && string(code[:4]) == string(wasmMagic) {
		return vmKindWASM
	}
	return vmKindEVM
}

// HostResult is the runtime-agnostic outcome of a single contract call,
// independent of whether the EVM or WASM runtime produced it.
type HostResult struct {
	ReturnData []byte
	GasUsed    Gas
	Logs       []Log
	Reverted   bool
	Err        error
}

//---------------------------------------------------------------------
// EVM host: go-ethereum core/vm.EVM over a StateDB-backed vm.StateDB
//---------------------------------------------------------------------

// evmStateAdapter satisfies go-ethereum's vm.StateDB interface over this
// chain's StateDB, translating its 20-byte common.Address world into
// Destination and folding balance/nonce/code/storage reads and writes
// through the existing account/storage layers (spec §4.4.3). Refunds,
// access lists, snapshots and self-destruct are tracked locally since the
// executor always runs one call to completion per transaction and discards
// the adapter afterwards; nothing here needs to survive past one Execute.
type evmStateAdapter struct {
	db       *StateDB
	refund   uint64
	snapshot map[int]map[Destination]AccountState
	nextSnap int
	destroyed map[Destination]bool
	created   map[Destination]bool
	accessedAddr map[common.Address]bool
	accessedSlot map[common.Address]map[common.Hash]bool
	logs      []*Log
}

func newEVMStateAdapter(db *StateDB) *evmStateAdapter {
	return &evmStateAdapter{
		db:           db,
		snapshot:     make(map[int]map[Destination]AccountState),
		destroyed:    make(map[Destination]bool),
		created:      make(map[Destination]bool),
		accessedAddr: make(map[common.Address]bool),
		accessedSlot: make(map[common.Address]map[common.Hash]bool),
	}
}

func (a *evmStateAdapter) account(addr common.Address) (Destination, *AccountState) {
	d := DestinationFromCommon(addr)
	acc, err := a.db.GetAccount(d)
	if err != nil || acc == nil {
		acc = NewAccountState()
	}
	cloned := *acc
	if acc.Balance != nil {
		cloned.Balance = new(big.Int).Set(acc.Balance)
	}
	return d, &cloned
}

func (a *evmStateAdapter) CreateAccount(addr common.Address) {
	d, _ := a.account(addr)
	a.created[d] = true
	a.db.PutAccount(d, NewAccountState())
}

func (a *evmStateAdapter) CreateContract(addr common.Address) {
	d, acc := a.account(addr)
	acc.TemplateType = TemplateNone
	a.db.PutAccount(d, acc)
}

func (a *evmStateAdapter) SubBalance(addr common.Address, amt *uint256.Int, _ tracing.BalanceChangeReason) {
	d, acc := a.account(addr)
	acc.Balance = new(big.Int).Sub(acc.Balance, amt.ToBig())
	a.db.PutAccount(d, acc)
}

func (a *evmStateAdapter) AddBalance(addr common.Address, amt *uint256.Int, _ tracing.BalanceChangeReason) {
	d, acc := a.account(addr)
	acc.Balance = new(big.Int).Add(acc.Balance, amt.ToBig())
	a.db.PutAccount(d, acc)
}

func (a *evmStateAdapter) GetBalance(addr common.Address) *uint256.Int {
	_, acc := a.account(addr)
	v, _ := uint256.FromBig(acc.Balance)
	return v
}

func (a *evmStateAdapter) GetNonce(addr common.Address) uint64 {
	_, acc := a.account(addr)
	return uint64(acc.TxNonce)
}

func (a *evmStateAdapter) SetNonce(addr common.Address, n uint64) {
	d, acc := a.account(addr)
	acc.TxNonce = Nonce(n)
	a.db.PutAccount(d, acc)
}

func (a *evmStateAdapter) GetCodeHash(addr common.Address) common.Hash {
	_, acc := a.account(addr)
	return common.BytesToHash(acc.CodeHash[:])
}

func (a *evmStateAdapter) GetCode(addr common.Address) []byte {
	_, acc := a.account(addr)
	if acc.CodeHash.IsZero() {
		return nil
	}
	code, _ := a.db.GetCode(acc.CodeHash)
	return code
}

func (a *evmStateAdapter) SetCode(addr common.Address, code []byte) {
	d, acc := a.account(addr)
	acc.CodeHash = a.db.PutCode(code)
	a.db.PutAccount(d, acc)
}

func (a *evmStateAdapter) GetCodeSize(addr common.Address) int {
	return len(a.GetCode(addr))
}

func (a *evmStateAdapter) AddRefund(g uint64) { a.refund += g }
func (a *evmStateAdapter) SubRefund(g uint64) {
	if g > a.refund {
		a.refund = 0
		return
	}
	a.refund -= g
}
func (a *evmStateAdapter) GetRefund() uint64 { return a.refund }

func (a *evmStateAdapter) GetCommittedState(addr common.Address, slot common.Hash) common.Hash {
	return a.GetState(addr, slot)
}

func (a *evmStateAdapter) GetState(addr common.Address, slot common.Hash) common.Hash {
	d := DestinationFromCommon(addr)
	var hslot Hash
	copy(hslot[:], slot[:])
	v, err := a.db.GetState(d, hslot)
	if err != nil {
		return common.Hash{}
	}
	return common.BytesToHash(v[:])
}

func (a *evmStateAdapter) SetState(addr common.Address, slot, value common.Hash) common.Hash {
	prev := a.GetState(addr, slot)
	d := DestinationFromCommon(addr)
	var hslot, hval Hash
	copy(hslot[:], slot[:])
	copy(hval[:], value[:])
	a.db.SetState(d, hslot, hval)
	return prev
}

func (a *evmStateAdapter) GetStorageRoot(addr common.Address) common.Hash {
	_, acc := a.account(addr)
	return common.BytesToHash(acc.StorageRoot[:])
}

func (a *evmStateAdapter) GetTransientState(addr common.Address, slot common.Hash) common.Hash {
	return common.Hash{} // transient storage is a single-tx scratchpad; a fresh adapter per tx already gives this
}
func (a *evmStateAdapter) SetTransientState(addr common.Address, slot, value common.Hash) {}

func (a *evmStateAdapter) SelfDestruct(addr common.Address) uint256.Int {
	d, acc := a.account(addr)
	bal := acc.Balance
	out, _ := uint256.FromBig(bal)
	acc.Balance = big.NewInt(0)
	acc.Destroyed = true
	a.destroyed[d] = true
	a.db.PutAccount(d, acc)
	return *out
}

func (a *evmStateAdapter) HasSelfDestructed(addr common.Address) bool {
	d := DestinationFromCommon(addr)
	return a.destroyed[d]
}

func (a *evmStateAdapter) Selfdestruct6780(addr common.Address) (uint256.Int, bool) {
	return a.SelfDestruct(addr), a.created[DestinationFromCommon(addr)]
}

func (a *evmStateAdapter) Exist(addr common.Address) bool {
	d, acc := a.account(addr)
	_ = d
	return acc.Balance.Sign() != 0 || acc.TxNonce != 0 || !acc.CodeHash.IsZero()
}

func (a *evmStateAdapter) Empty(addr common.Address) bool {
	return !a.Exist(addr)
}

func (a *evmStateAdapter) AddressInAccessList(addr common.Address) bool {
	return a.accessedAddr[addr]
}

func (a *evmStateAdapter) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	addrOK := a.accessedAddr[addr]
	slotOK := a.accessedSlot[addr] != nil && a.accessedSlot[addr][slot]
	return addrOK, slotOK
}

func (a *evmStateAdapter) AddAddressToAccessList(addr common.Address) {
	a.accessedAddr[addr] = true
}

func (a *evmStateAdapter) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	a.accessedAddr[addr] = true
	if a.accessedSlot[addr] == nil {
		a.accessedSlot[addr] = make(map[common.Hash]bool)
	}
	a.accessedSlot[addr][slot] = true
}

func (a *evmStateAdapter) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	a.AddAddressToAccessList(sender)
	a.AddAddressToAccessList(coinbase)
	if dest != nil {
		a.AddAddressToAccessList(*dest)
	}
	for _, p := range precompiles {
		a.AddAddressToAccessList(p)
	}
	for _, t := range txAccesses {
		a.AddAddressToAccessList(t.Address)
		for _, s := range t.StorageKeys {
			a.AddSlotToAccessList(t.Address, s)
		}
	}
}

func (a *evmStateAdapter) RevertToSnapshot(id int) {
	snap, ok := a.snapshot[id]
	if !ok {
		return
	}
	for d, acc := range snap {
		cpy := acc
		a.db.PutAccount(d, &cpy)
	}
}

// Snapshot deep-copies every account this adapter has touched so far; given
// one adapter lives for exactly one top-level call, this is cheaper than
// tracking a real journal and still gives EVM.Call's revert-on-failure path
// somewhere correct to roll back to.
func (a *evmStateAdapter) Snapshot() int {
	id := a.nextSnap
	a.nextSnap++
	snap := make(map[Destination]AccountState, len(a.db.dirtyAccounts))
	for d, acc := range a.db.dirtyAccounts {
		cpy := *acc
		if acc.Balance != nil {
			cpy.Balance = new(big.Int).Set(acc.Balance)
		}
		snap[d] = cpy
	}
	a.snapshot[id] = snap
	return id
}

func (a *evmStateAdapter) AddLog(l *types.Log) {
	log := Log{
		Address: DestinationFromCommon(l.Address),
		Data:    l.Data,
	}
	for _, t := range l.Topics {
		log.Topics = append(log.Topics, Hash(t))
	}
	a.logs = append(a.logs, &log)
	a.db.AddLog(log)
}

func (a *evmStateAdapter) AddPreimage(common.Hash, []byte) {}

// evmCall runs one EVM message against db: contract calls go through
// EVM.Call, contract creation through EVM.Create (spec §4.4.1 step 5). Only
// the call itself is black-box; gas accounting and fee settlement stay in
// executor.go.
func evmCall(db *StateDB, header *BlockHeader, from, to Destination, input []byte, value *Amount, gas Gas, isCreate bool) (*HostResult, Destination, error) {
	adapter := newEVMStateAdapter(db)

	blockCtx := vm.BlockContext{
		CanTransfer: func(vm.StateDB, common.Address, *uint256.Int) bool { return true },
		Transfer:    func(vm.StateDB, common.Address, common.Address, *uint256.Int) {},
		GetHash: func(n uint64) common.Hash {
			return common.Hash{}
		},
		Coinbase:    common.Address{},
		GasLimit:    blockGasLimit,
		BlockNumber: new(big.Int).SetUint64(header.Number),
		Time:        uint64(header.Timestamp),
		Difficulty:  big.NewInt(1),
		BaseFee:     big.NewInt(0),
	}
	txCtx := vm.TxContext{Origin: from.Common(), GasPrice: big.NewInt(0)}
	cfg := params.MainnetChainConfig
	evm := vm.NewEVM(blockCtx, txCtx, adapter, cfg, vm.Config{})

	v, _ := uint256.FromBig(value)
	caller := vm.AccountRef(from.Common())

	if isCreate {
		ret, contractAddr, leftover, err := evm.Create(caller, input, uint64(gas), v)
		res := &HostResult{ReturnData: ret, GasUsed: gas - Gas(leftover), Err: err, Reverted: errors.Is(err, vm.ErrExecutionReverted)}
		for _, l := range adapter.logs {
			res.Logs = append(res.Logs, *l)
		}
		return res, DestinationFromCommon(contractAddr), nil
	}

	ret, leftover, err := evm.Call(caller, to.Common(), input, uint64(gas), v)
	res := &HostResult{ReturnData: ret, GasUsed: gas - Gas(leftover), Err: err, Reverted: errors.Is(err, vm.ErrExecutionReverted)}
	for _, l := range adapter.logs {
		res.Logs = append(res.Logs, *l)
	}
	return res, to, nil
}

//---------------------------------------------------------------------
// WASM host: wasmer-go over the same StateDB, grounded in the teacher's
// HeavyVM/hostCtx/registerHost (virtual_machine.go), retyped onto Destination
//---------------------------------------------------------------------

// wasmHostCtx is the teacher's hostCtx, retyped from StateRW/Address onto
// StateDB/Destination and carrying a Gas budget instead of the teacher's
// GasMeter (executor.go owns gas accounting uniformly across both runtimes).
type wasmHostCtx struct {
	mem     *wasmer.Memory
	db      *StateDB
	self    Destination
	gasUsed uint64
	gasMax  uint64
	logs    []Log
}

func (h *wasmHostCtx) consumeGas(n uint64) bool {
	if h.gasUsed+n > h.gasMax {
		return false
	}
	h.gasUsed += n
	return true
}

func (h *wasmHostCtx) read(ptr, ln int32) []byte {
	data := h.mem.Data()
	if ptr < 0 || ln < 0 || int(ptr)+int(ln) > len(data) {
		return nil
	}
	out := make([]byte, ln)
	copy(out, data[ptr:int(ptr)+int(ln)])
	return out
}

func (h *wasmHostCtx) write(ptr int32, b []byte) {
	data := h.mem.Data()
	if ptr < 0 || int(ptr)+len(b) > len(data) {
		return
	}
	copy(data[ptr:], b)
}

// wasmCall instantiates code's WASM module, registers host bindings for
// storage get/set and gas metering (mirroring the teacher's registerHost),
// and invokes its exported "_start" entrypoint with input pre-loaded at
// memory offset 0.
func wasmCall(db *StateDB, self Destination, code, input []byte, gas Gas) (*HostResult, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, NewChainError(ErrInvalid, "wasmCall", err)
	}

	hctx := &wasmHostCtx{db: db, self: self, gasMax: uint64(gas)}
	importObject := registerWasmHost(store, hctx)

	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return nil, NewChainError(ErrInvalid, "wasmCall", err)
	}
	defer instance.Close()

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, NewChainError(ErrInvalid, "wasmCall", errors.New("wasm module exports no linear memory"))
	}
	hctx.mem = mem
	if len(input) > 0 {
		hctx.write(0, input)
	}

	start, err := instance.Exports.GetFunction("_start")
	if err != nil {
		return nil, NewChainError(ErrInvalid, "wasmCall", errors.New("wasm module missing _start export"))
	}
	res := &HostResult{}
	if _, err := start(); err != nil {
		res.Err = err
	}
	res.Logs = hctx.logs
	res.GasUsed = Gas(hctx.gasUsed)
	return res, nil
}

// registerWasmHost wires the guest-callable host functions: consume_gas,
// storage_get/storage_set against the contract's own storage slots, and
// log_emit, matching the call/return-pointer convention of the teacher's
// hostRead/hostWrite/hostConsumeGas trio.
func registerWasmHost(store *wasmer.Store, h *wasmHostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	consumeGas := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.consumeGas(uint64(args[0].I32())) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	storageGet := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(wasmer.I32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen, outPtr := args[0].I32(), args[1].I32(), args[2].I32()
			key := h.read(keyPtr, keyLen)
			var slot Hash
			copy(slot[:], key)
			val, err := h.db.GetState(h.self, slot)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.write(outPtr, val[:])
			return []wasmer.Value{wasmer.NewI32(int32(len(val)))}, nil
		},
	)

	storageSet := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(wasmer.I32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen, valPtr, valLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			key := h.read(keyPtr, keyLen)
			val := h.read(valPtr, valLen)
			var slot, hv Hash
			copy(slot[:], key)
			copy(hv[:], val)
			h.db.SetState(h.self, slot, hv)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	logEmit := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			data := h.read(ptr, ln)
			h.logs = append(h.logs, Log{Address: h.self, Data: data})
			return []wasmer.Value{}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"consume_gas": consumeGas,
		"storage_get": storageGet,
		"storage_set": storageSet,
		"log_emit":    logEmit,
	})
	return imports
}
