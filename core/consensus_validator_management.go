package core

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ValidatorInfo represents a consensus validator (delegate) and its staked
// amount.
type ValidatorInfo struct {
	Addr     Destination `json:"addr"`
	Stake    *Amount     `json:"stake"`
	Active   bool        `json:"active"`
	JoinedAt int64       `json:"since"`
}

// ValidatorManager keeps track of validators and their stakes, backed by the
// same flat StateRW namespace the authority and access-control subsystems use.
type ValidatorManager struct {
	mu     sync.RWMutex
	ledger StateRW
}

// StakingAccount holds locked validator stakes, a reserved template address
// outside the normal pubkey/contract address space.
var StakingAccount = reservedDest("staking-account")

// NewValidatorManager constructs a manager with the provided ledger backend.
func NewValidatorManager(led StateRW) *ValidatorManager { return &ValidatorManager{ledger: led} }

// Register adds a validator and locks the initial stake.
func (vm *ValidatorManager) Register(addr Destination, stake *Amount) error {
	if stake.Sign() <= 0 {
		return errors.New("stake must be >0")
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if ok, _ := vm.ledger.HasState(vm.key(addr)); ok {
		return errors.New("already registered")
	}
	if err := vm.ledger.Transfer(addr, StakingAccount, stake); err != nil {
		return err
	}
	info := ValidatorInfo{Addr: addr, Stake: stake, Active: true, JoinedAt: time.Now().Unix()}
	b, _ := json.Marshal(info)
	return vm.ledger.SetState(vm.key(addr), b)
}

// Deregister removes a validator and returns its stake.
func (vm *ValidatorManager) Deregister(addr Destination) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	raw, err := vm.ledger.GetState(vm.key(addr))
	if err != nil || len(raw) == 0 {
		return errors.New("not registered")
	}
	var info ValidatorInfo
	_ = json.Unmarshal(raw, &info)
	if err := vm.ledger.Transfer(StakingAccount, addr, info.Stake); err != nil {
		return err
	}
	return vm.ledger.DeleteState(vm.key(addr))
}

// Stake increases a validator's locked stake.
func (vm *ValidatorManager) Stake(addr Destination, amt *Amount) error {
	if amt.Sign() <= 0 {
		return errors.New("amount must be >0")
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	raw, err := vm.ledger.GetState(vm.key(addr))
	if err != nil || len(raw) == 0 {
		return errors.New("not registered")
	}
	var info ValidatorInfo
	_ = json.Unmarshal(raw, &info)
	if err := vm.ledger.Transfer(addr, StakingAccount, amt); err != nil {
		return err
	}
	info.Stake = new(Amount).Add(info.Stake, amt)
	b, _ := json.Marshal(info)
	return vm.ledger.SetState(vm.key(addr), b)
}

// Unstake releases a portion of a validator's stake back to the owner.
func (vm *ValidatorManager) Unstake(addr Destination, amt *Amount) error {
	if amt.Sign() <= 0 {
		return errors.New("amount must be >0")
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	raw, err := vm.ledger.GetState(vm.key(addr))
	if err != nil || len(raw) == 0 {
		return errors.New("not registered")
	}
	var info ValidatorInfo
	_ = json.Unmarshal(raw, &info)
	if info.Stake.Cmp(amt) < 0 {
		return errors.New("insufficient stake")
	}
	if err := vm.ledger.Transfer(StakingAccount, addr, amt); err != nil {
		return err
	}
	info.Stake = new(Amount).Sub(info.Stake, amt)
	b, _ := json.Marshal(info)
	return vm.ledger.SetState(vm.key(addr), b)
}

// Slash deducts stake as a penalty, burning the slashed amount entirely
// rather than redistributing it (misbehaving delegates lose stake outright).
func (vm *ValidatorManager) Slash(addr Destination, amt *Amount, coin *Coin) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	raw, err := vm.ledger.GetState(vm.key(addr))
	if err != nil || len(raw) == 0 {
		return errors.New("not registered")
	}
	var info ValidatorInfo
	_ = json.Unmarshal(raw, &info)
	if amt.Cmp(info.Stake) > 0 {
		amt = info.Stake
	}
	if amt.Sign() > 0 {
		if coin != nil {
			if err := coin.Burn(StakingAccount, amt); err != nil {
				return err
			}
		}
		info.Stake = new(Amount).Sub(info.Stake, amt)
	}
	if info.Stake.Sign() == 0 {
		info.Active = false
	}
	b, _ := json.Marshal(info)
	return vm.ledger.SetState(vm.key(addr), b)
}

// Get returns information for a validator.
func (vm *ValidatorManager) Get(addr Destination) (ValidatorInfo, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	var info ValidatorInfo
	raw, err := vm.ledger.GetState(vm.key(addr))
	if err != nil || len(raw) == 0 {
		return info, errors.New("not registered")
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, err
	}
	return info, nil
}

// List returns all validators. If activeOnly is true only active ones are listed.
func (vm *ValidatorManager) List(activeOnly bool) ([]ValidatorInfo, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	it := vm.ledger.PrefixIterator([]byte("validator:"))
	var out []ValidatorInfo
	for it.Next() {
		var v ValidatorInfo
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			return nil, err
		}
		if activeOnly && !v.Active {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// IsValidator checks if the destination is registered and active.
func (vm *ValidatorManager) IsValidator(addr Destination) bool {
	raw, err := vm.ledger.GetState(vm.key(addr))
	if err != nil || len(raw) == 0 {
		return false
	}
	var v ValidatorInfo
	_ = json.Unmarshal(raw, &v)
	return v.Active
}

func (vm *ValidatorManager) key(addr Destination) []byte {
	return append([]byte("validator:"), addr.Bytes()...)
}
