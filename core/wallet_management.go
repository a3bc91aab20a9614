package core

import (
	"fmt"
)

// WalletManager wraps Ledger and HDWallet helpers to perform high level wallet operations.
type WalletManager struct {
	ledger *Ledger
	pool   *TxPool
}

// NewWalletManager creates a manager bound to the given ledger and, if
// provided, a transaction pool for broadcasting signed transfers.
func NewWalletManager(l *Ledger, pool *TxPool) *WalletManager {
	return &WalletManager{ledger: l, pool: pool}
}

// Create generates a random HD wallet with the given entropy bits and returns it along
// with the mnemonic phrase. The wallet is not persisted to disk.
func (wm *WalletManager) Create(bits int) (*HDWallet, string, error) {
	return NewRandomWallet(bits)
}

// Import constructs a wallet from the provided mnemonic and optional passphrase.
func (wm *WalletManager) Import(mnemonic, passphrase string) (*HDWallet, error) {
	return WalletFromMnemonic(mnemonic, passphrase)
}

// Balance returns the balance for the given destination using the manager ledger.
func (wm *WalletManager) Balance(addr Destination) *Amount {
	if wm.ledger == nil {
		return NewAmount(0)
	}
	return wm.ledger.BalanceOf(addr)
}

// Transfer signs a payment transaction from the wallet to the target
// destination and, if a pool is configured, submits it for inclusion.
func (wm *WalletManager) Transfer(w *HDWallet, account, index uint32, to Destination, amount *Amount, gasPrice *GasPrice, gasLimit Gas) (*Transaction, error) {
	if wm.ledger == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	from, err := w.NewAddress(account, index)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		TxType:   TxToken,
		To:       to,
		HasTo:    true,
		Amount:   amount,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		Nonce:    wm.ledger.NonceOf(from),
	}
	if err := w.SignTx(tx, account, index, gasPrice); err != nil {
		return nil, err
	}
	if wm.pool != nil {
		if err := wm.pool.Add(tx); err != nil {
			return nil, err
		}
	}
	return tx, nil
}
