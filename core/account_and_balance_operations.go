package core

import (
	"fmt"
	"sync"
)

// AccountManager provides helper operations for creating accounts and
// manipulating their coin balances. It wraps a Ledger instance and
// performs thread-safe updates against the ledger's StateDB.
type AccountManager struct {
	ledger *Ledger
	mu     sync.RWMutex
}

// NewAccountManager constructs a manager bound to the given ledger.
func NewAccountManager(l *Ledger) *AccountManager {
	return &AccountManager{ledger: l}
}

// CreateAccount initialises a zero balance entry for addr. An error is
// returned if the account already exists or the ledger is nil.
func (am *AccountManager) CreateAccount(addr Destination) error {
	if am.ledger == nil {
		return fmt.Errorf("account manager: nil ledger")
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	acct, err := am.ledger.state.GetAccount(addr)
	if err != nil {
		return err
	}
	if acct.TxNonce != 0 || acct.Balance.Sign() != 0 || !acct.CodeHash.IsZero() {
		return fmt.Errorf("account %s exists", addr.Hex())
	}
	am.ledger.state.PutAccount(addr, NewAccountState())
	return nil
}

// DeleteAccount marks addr as destroyed.
func (am *AccountManager) DeleteAccount(addr Destination) error {
	if am.ledger == nil {
		return fmt.Errorf("account manager: nil ledger")
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	acct, err := am.ledger.state.GetAccount(addr)
	if err != nil {
		return err
	}
	if acct.Destroyed {
		return fmt.Errorf("account %s not found", addr.Hex())
	}
	acct.Destroyed = true
	am.ledger.state.PutAccount(addr, acct)
	return nil
}

// Balance returns the current coin balance for addr.
func (am *AccountManager) Balance(addr Destination) (*Amount, error) {
	if am.ledger == nil {
		return nil, fmt.Errorf("account manager: nil ledger")
	}
	am.mu.RLock()
	defer am.mu.RUnlock()
	acct, err := am.ledger.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return acct.Balance, nil
}

// Transfer moves amt coins from src to dst, verifying sufficient funds.
func (am *AccountManager) Transfer(src, dst Destination, amt *Amount) error {
	if am.ledger == nil {
		return fmt.Errorf("account manager: nil ledger")
	}
	if amt.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.ledger.Transfer(src, dst, amt)
}
