package core

import (
	"fmt"
	"sort"
	"sync"
)

// TxPool is the mempool: pending, not-yet-included transactions, indexed by
// hash and ordered for block assembly by gas price, highest first (ties keep
// insertion order; nonces are not sorted) — the same shape as the teacher's
// queue-plus-lookup pool, now
// keyed on the new Transaction/Destination types.
type TxPool struct {
	mu     sync.RWMutex
	lookup map[Hash]*Transaction
	queue  []*Transaction

	state ReadOnlyState
	gas   GasCalculator

	maxSize int
}

// NewTxPool constructs an empty pool bounded to maxSize pending transactions.
// state is consulted for nonce/balance admission checks; gas estimates the
// minimum gas limit a transaction must carry to be accepted.
func NewTxPool(state ReadOnlyState, gas GasCalculator, maxSize int) *TxPool {
	return &TxPool{
		lookup:  make(map[Hash]*Transaction),
		state:   state,
		gas:     gas,
		maxSize: maxSize,
	}
}

// Add validates and inserts a transaction into the pool.
func (tp *TxPool) Add(tx *Transaction) error {
	if tp == nil || tx == nil {
		return fmt.Errorf("txpool or tx nil")
	}
	if err := tx.VerifySig(); err != nil {
		return err
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	h := tx.HashTx()
	if _, exists := tp.lookup[h]; exists {
		return NewChainError(ErrAlreadyHave, "TxPool.Add", fmt.Errorf("tx %s already pooled", h.Hex()))
	}
	if tp.maxSize > 0 && len(tp.queue) >= tp.maxSize {
		return NewChainError(ErrInvalid, "TxPool.Add", fmt.Errorf("pool full (%d)", tp.maxSize))
	}
	if tp.state != nil {
		if want := tp.state.NonceOf(tx.From); tx.Nonce < want {
			return NewChainError(ErrNonceMismatch, "TxPool.Add", fmt.Errorf("nonce %d < expected %d", tx.Nonce, want))
		}
		cost := new(Amount).Set(tx.Amount)
		if tx.GasPrice != nil {
			fee := new(Amount).Mul(tx.GasPrice, NewAmount(int64(tx.GasLimit)))
			cost = cost.Add(cost, fee)
		}
		if tp.state.BalanceOf(tx.From).Cmp(cost) < 0 {
			return NewChainError(ErrInsufficientFunds, "TxPool.Add", fmt.Errorf("sender %s underfunded", tx.From.Hex()))
		}
	}
	if tp.gas != nil {
		minGas, err := tp.gas.Estimate(nil)
		if err == nil && tx.GasLimit < minGas {
			return NewChainError(ErrGasTooLow, "TxPool.Add", fmt.Errorf("gas limit %d below minimum %d", tx.GasLimit, minGas))
		}
	}

	tp.lookup[h] = tx
	tp.queue = append(tp.queue, tx)
	return nil
}

// Remove drops a transaction from the pool (e.g. after block inclusion).
func (tp *TxPool) Remove(h Hash) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if _, ok := tp.lookup[h]; !ok {
		return
	}
	delete(tp.lookup, h)
	for i, tx := range tp.queue {
		if tx.HashTx() == h {
			tp.queue = append(tp.queue[:i], tp.queue[i+1:]...)
			break
		}
	}
}

// Get looks up a pooled transaction by hash.
func (tp *TxPool) Get(h Hash) (*Transaction, bool) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	tx, ok := tp.lookup[h]
	return tx, ok
}

// Len reports the number of pending transactions.
func (tp *TxPool) Len() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return len(tp.queue)
}

// Snapshot returns a defensive copy of all pending transactions.
func (tp *TxPool) Snapshot() []*Transaction {
	if tp == nil {
		return nil
	}
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	if len(tp.queue) == 0 {
		return nil
	}
	list := make([]*Transaction, len(tp.queue))
	copy(list, tp.queue)
	return list
}

// Pending returns up to limit transactions ordered by descending gas price,
// the order a block proposer would greedily include them in.
func (tp *TxPool) Pending(limit int) []*Transaction {
	list := tp.Snapshot()
	sort.SliceStable(list, func(i, j int) bool {
		gi, gj := list[i].GasPrice, list[j].GasPrice
		if gi == nil || gj == nil {
			return false
		}
		return gi.Cmp(gj) > 0
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
