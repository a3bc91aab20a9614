package core

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxSupply is the maximum number of Synthron coins that may ever exist.
var MaxSupply = new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1))

// Name is the human-readable name of the coin.
const Name = "Synthron"

// Code is the ticker symbol for the coin.
const Code = "SYNN"

// GenesisAlloc is the amount allocated in the genesis block via consensus.
var GenesisAlloc = big.NewInt(10_000_000)

// Coin wraps a Ledger with mint/burn/supply bookkeeping for the native
// asset. Unlike a tx-level Transfer, Mint and Burn adjust account balances
// directly and are reserved for consensus-issued block rewards and genesis
// allocation — never for ordinary user transactions.
type Coin struct {
	ledger      *Ledger
	totalMinted *big.Int
	mu          sync.Mutex
}

// NewCoin constructs a Coin manager backed by the given ledger with
// totalMinted starting at zero; balances already present in the ledger's
// account trie (such as a genesis allocation) are not counted.
func NewCoin(lg *Ledger) (*Coin, error) {
	c := &Coin{ledger: lg, totalMinted: new(big.Int)}
	logrus.Infof("coin: initialized %s (%s); max supply=%s", Name, Code, MaxSupply)
	return c, nil
}

func (c *Coin) Mint(to Destination, amount *Amount) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("coin: mint amount must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := new(big.Int).Add(c.totalMinted, amount)
	if next.Cmp(MaxSupply) > 0 {
		return fmt.Errorf("coin: minting %s would exceed cap %s", amount, MaxSupply)
	}

	acct, err := c.ledger.state.GetAccount(to)
	if err != nil {
		return fmt.Errorf("coin: ledger mint error: %w", err)
	}
	acct.Balance = new(big.Int).Add(acct.Balance, amount)
	c.ledger.state.PutAccount(to, acct)

	c.totalMinted = next
	logrus.Infof("coin: minted %s %s to %s; total minted now %s", amount, Code, to.Hex(), c.totalMinted)
	return nil
}

// Transfer moves coins between two destinations via the underlying ledger.
func (c *Coin) Transfer(from, to Destination, amount *Amount) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("coin: transfer amount must be positive")
	}
	if err := c.ledger.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("coin: ledger transfer error: %w", err)
	}
	logrus.Infof("coin: transferred %s %s from %s to %s", amount, Code, from.Hex(), to.Hex())
	return nil
}

// Burn destroys coins from the provided destination and reduces total supply.
func (c *Coin) Burn(from Destination, amount *Amount) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("coin: burn amount must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totalMinted.Cmp(amount) < 0 {
		return fmt.Errorf("coin: burn amount %s exceeds supply %s", amount, c.totalMinted)
	}

	acct, err := c.ledger.state.GetAccount(from)
	if err != nil {
		return fmt.Errorf("coin: ledger burn error: %w", err)
	}
	if acct.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("coin: burn amount %s exceeds balance %s", amount, acct.Balance)
	}
	acct.Balance = new(big.Int).Sub(acct.Balance, amount)
	c.ledger.state.PutAccount(from, acct)

	c.totalMinted = new(big.Int).Sub(c.totalMinted, amount)
	logrus.Infof("coin: burned %s %s from %s; total minted now %s", amount, Code, from.Hex(), c.totalMinted)
	return nil
}

// TotalSupply returns the total number of coins minted so far.
func (c *Coin) TotalSupply() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.totalMinted)
}

// BalanceOf returns the coin balance for the given destination.
func (c *Coin) BalanceOf(addr Destination) *Amount {
	return c.ledger.BalanceOf(addr)
}

// BlockRewardAt returns the block reward at the given height applying the
// consensus halving schedule defined in consensus_params.go.
func BlockRewardAt(height uint64) *big.Int {
	halves := height / RewardHalvingPeriod
	r := new(big.Int).Set(InitialReward)
	r.Rsh(r, uint(halves))
	return r
}
