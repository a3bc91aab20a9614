package core

import (
	"math/big"
	"time"
)

// DestType mirrors DestTag but as stored persistently on the account record
// (spec keeps these conceptually distinct: DestTag is how a key is
// interpreted, destType is what AddNewBlock observed when the account was
// first touched).
type DestType = DestTag

// TemplateType enumerates the built-in template address kinds the function
// contract and chain manager derive addresses for.
type TemplateType uint8

const (
	TemplateNone TemplateType = iota
	TemplateDelegate
	TemplateVote
	TemplatePledge
	TemplateFork
)

// AccountState is the per-address record stored as an MPT leaf keyed by
// Destination (spec §3.4).
type AccountState struct {
	DestType     DestType
	TemplateType TemplateType
	Balance      *Amount
	TxNonce      Nonce
	CodeHash     Hash
	StorageRoot  Hash
	Destroyed    bool
	Vault        *TimeVault // lazily created on first settlement; nil means "never settled"
}

func NewAccountState() *AccountState {
	return &AccountState{Balance: NewAmount(0)}
}

// AddrKind tags an AddressContext variant, replacing the teacher's class
// hierarchy with an explicit discriminator (spec design notes).
type AddrKind uint8

const (
	AddrKindPubkey AddrKind = iota
	AddrKindTemplate
	AddrKindContract
)

// AddressContext is the tagged variant {Pubkey, Template, Contract}
// described in spec §3.6. Only the fields relevant to Kind are populated.
type AddressContext struct {
	Kind AddrKind

	// Template fields
	TemplateType TemplateType
	TemplateData []byte
	TemplateName string

	// Contract fields
	CodeOwner  Destination
	CreateHash Hash
	RunHash    Hash
	Name       string
}

// TimeVault accumulates a time-weighted liability proportional to held
// balance, payable as implicit gas (spec §3.6, GLOSSARY "Time vault").
type TimeVault struct {
	TvAmount         *Amount
	FSurplus         *Amount
	NBalanceAmount   *Amount
	LastSettlementTs int64
}

func NewTimeVault(now int64) *TimeVault {
	return &TimeVault{
		TvAmount:         NewAmount(0),
		FSurplus:         NewAmount(0),
		NBalanceAmount:   NewAmount(0),
		LastSettlementTs: now,
	}
}

// timeVaultRatePpb is the fraction of balance accrued as tv liability per
// second of elapsed time, expressed in parts per billion so the accrual can
// be computed with exact integer arithmetic.
const timeVaultRatePpb = 1 // 1e-9 per second

var ppbDivisor = big.NewInt(1_000_000_000)

// Settle advances the vault to `ts`, accruing balance*elapsed*rate onto
// TvAmount (spec §8 property 11: time-vault conservation).
func (tv *TimeVault) Settle(balance *Amount, ts int64) {
	if ts <= tv.LastSettlementTs {
		return
	}
	elapsed := big.NewInt(ts - tv.LastSettlementTs)
	accrual := new(big.Int).Mul(balance, elapsed)
	accrual.Mul(accrual, big.NewInt(timeVaultRatePpb))
	accrual.Div(accrual, ppbDivisor)
	tv.TvAmount.Add(tv.TvAmount, accrual)
	tv.LastSettlementTs = ts
}

// CalcGiveTvFee computes the tv-debt reduction a redemption of amount
// triggers (spec §8 property 11). The fee is a fixed fraction of the
// redeemed amount.
func CalcGiveTvFee(amount *Amount) *Amount {
	return new(Amount).Div(amount, big.NewInt(1000)) // 0.1%
}

// ApplyRedeemFee deducts the redemption fee from the outstanding tv debt,
// floored at zero, and returns the fee actually collected.
func (tv *TimeVault) ApplyRedeemFee(amount *Amount) *Amount {
	fee := CalcGiveTvFee(amount)
	if fee.Cmp(tv.TvAmount) > 0 {
		fee = new(Amount).Set(tv.TvAmount)
	}
	tv.TvAmount.Sub(tv.TvAmount, fee)
	return fee
}

func nowUnix() int64 { return time.Now().Unix() }
