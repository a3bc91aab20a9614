package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestSelectVMDispatchesOnMagicBytes(t *testing.T) {
	wasmCode := append([]byte{0x00, 0x61, 0x73, 0x6d}, 0x01, 0x00, 0x00, 0x00)
	if got := SelectVM(wasmCode); got != vmKindWASM {
		t.Fatalf("SelectVM(wasm magic) = %v, want vmKindWASM", got)
	}

	evmCode := []byte{0x60, 0x01, 0x60, 0x00, 0x55} // PUSH1 1 PUSH1 0 SSTORE
	if got := SelectVM(evmCode); got != vmKindEVM {
		t.Fatalf("SelectVM(evm bytecode) = %v, want vmKindEVM", got)
	}

	if got := SelectVM(nil); got != vmKindEVM {
		t.Fatalf("SelectVM(nil) = %v, want vmKindEVM", got)
	}

	if got := SelectVM([]byte{0x00, 0x61}); got != vmKindEVM {
		t.Fatalf("SelectVM(short code) = %v, want vmKindEVM", got)
	}
}

func TestEVMStateAdapterBalanceRoundTrip(t *testing.T) {
	state := newExecutorTestState()
	adapter := newEVMStateAdapter(state)
	addr := common.Address{0x01}

	if adapter.Exist(addr) {
		t.Fatalf("fresh account should not exist")
	}

	amt := uint256.NewInt(1_000)
	adapter.AddBalance(addr, amt, 0)
	if got := adapter.GetBalance(addr); got.Cmp(amt) != 0 {
		t.Fatalf("balance after AddBalance = %s, want %s", got, amt)
	}
	if !adapter.Exist(addr) {
		t.Fatalf("funded account should exist")
	}
	if adapter.Empty(addr) {
		t.Fatalf("funded account should not be empty")
	}

	sub := uint256.NewInt(400)
	adapter.SubBalance(addr, sub, 0)
	want := uint256.NewInt(600)
	if got := adapter.GetBalance(addr); got.Cmp(want) != 0 {
		t.Fatalf("balance after SubBalance = %s, want %s", got, want)
	}

	// The adapter writes straight through to the underlying StateDB account.
	d := DestinationFromCommon(addr)
	acc, err := state.GetAccount(d)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Balance.Cmp(NewAmount(600)) != 0 {
		t.Fatalf("underlying account balance = %s, want 600", acc.Balance)
	}
}

func TestEVMStateAdapterStorageRoundTrip(t *testing.T) {
	state := newExecutorTestState()
	adapter := newEVMStateAdapter(state)
	addr := common.Address{0x02}
	slot := common.Hash{0x01}
	value := common.Hash{0xAB}

	if got := adapter.GetState(addr, slot); got != (common.Hash{}) {
		t.Fatalf("unset slot = %x, want zero", got)
	}

	prev := adapter.SetState(addr, slot, value)
	if prev != (common.Hash{}) {
		t.Fatalf("SetState returned prev = %x, want zero", prev)
	}
	if got := adapter.GetState(addr, slot); got != value {
		t.Fatalf("GetState after SetState = %x, want %x", got, value)
	}
	if got := adapter.GetCommittedState(addr, slot); got != value {
		t.Fatalf("GetCommittedState = %x, want %x", got, value)
	}
}

func TestEVMStateAdapterCodeRoundTrip(t *testing.T) {
	state := newExecutorTestState()
	adapter := newEVMStateAdapter(state)
	addr := common.Address{0x03}
	code := []byte{0x60, 0x00, 0x60, 0x00, 0xf3}

	adapter.SetCode(addr, code)
	got := adapter.GetCode(addr)
	if string(got) != string(code) {
		t.Fatalf("GetCode = %x, want %x", got, code)
	}
	if adapter.GetCodeSize(addr) != len(code) {
		t.Fatalf("GetCodeSize = %d, want %d", adapter.GetCodeSize(addr), len(code))
	}
	if adapter.GetCodeHash(addr) == (common.Hash{}) {
		t.Fatalf("GetCodeHash should be non-zero once code is set")
	}
}

func TestEVMStateAdapterSnapshotRevert(t *testing.T) {
	state := newExecutorTestState()
	adapter := newEVMStateAdapter(state)
	addr := common.Address{0x04}

	before := uint256.NewInt(1_000)
	adapter.AddBalance(addr, before, 0)

	id := adapter.Snapshot()

	extra := uint256.NewInt(500)
	adapter.AddBalance(addr, extra, 0)
	want := uint256.NewInt(1_500)
	if got := adapter.GetBalance(addr); got.Cmp(want) != 0 {
		t.Fatalf("balance before revert = %s, want %s", got, want)
	}

	adapter.RevertToSnapshot(id)
	if got := adapter.GetBalance(addr); got.Cmp(before) != 0 {
		t.Fatalf("balance after revert = %s, want %s", got, before)
	}
}

func TestEVMStateAdapterSelfDestruct(t *testing.T) {
	state := newExecutorTestState()
	adapter := newEVMStateAdapter(state)
	addr := common.Address{0x05}

	bal := uint256.NewInt(777)
	adapter.AddBalance(addr, bal, 0)

	if adapter.HasSelfDestructed(addr) {
		t.Fatalf("fresh account should not be marked self-destructed")
	}
	out := adapter.SelfDestruct(addr)
	if out.Cmp(bal) != 0 {
		t.Fatalf("SelfDestruct returned balance %s, want %s", &out, bal)
	}
	if !adapter.HasSelfDestructed(addr) {
		t.Fatalf("account should be marked self-destructed")
	}
	if got := adapter.GetBalance(addr); got.Sign() != 0 {
		t.Fatalf("balance after self-destruct = %s, want 0", got)
	}
}

func TestEVMStateAdapterAccessList(t *testing.T) {
	state := newExecutorTestState()
	adapter := newEVMStateAdapter(state)
	addr := common.Address{0x06}
	slot := common.Hash{0x01}

	if adapter.AddressInAccessList(addr) {
		t.Fatalf("address should not start in the access list")
	}
	addrOK, slotOK := adapter.SlotInAccessList(addr, slot)
	if addrOK || slotOK {
		t.Fatalf("address/slot should not start in the access list")
	}

	adapter.AddSlotToAccessList(addr, slot)
	if !adapter.AddressInAccessList(addr) {
		t.Fatalf("AddSlotToAccessList should also mark the address accessed")
	}
	addrOK, slotOK = adapter.SlotInAccessList(addr, slot)
	if !addrOK || !slotOK {
		t.Fatalf("address/slot should be in the access list after AddSlotToAccessList")
	}
}
