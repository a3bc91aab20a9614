package core

// Wallet implementation for the chain's client tooling.
//
// Features
// --------
//   * secp256k1 key-pairs, matching the ECDSA scheme Transaction.Sign expects.
//   * Hierarchical Deterministic derivation (SLIP-0010-style hardened HMAC cascade).
//   * BIP-39 mnemonic utilities (12-/24-word human recovery phrases).
//   * Destination derivation via go-ethereum's Keccak256-based address scheme.
//   * Transaction signing helper wired for core.Transaction.
//
// Import hygiene: wallet depends only on common + crypto/bip-libs. It does
// NOT import ledger, consensus or network, to stay at the lowest tier.

import (
	"crypto/ecdsa"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

//---------------------------------------------------------------------
// Constants and helpers
//---------------------------------------------------------------------

const (
	hardenedOffset uint32 = 0x80000000

	masterHMACKey = "synnergy-chain seed" // SLIP-0010-style master-key string
)

func SetWalletLogger(l *log.Logger) { globalLogger = l }

var globalLogger = log.New()

//---------------------------------------------------------------------
// HDWallet structure
//---------------------------------------------------------------------

// HDWallet keeps master key material in-memory only.
// *NEVER* persist the private fields directly – use encrypted keystores instead.
//
// Derivation model: SLIP-0010-style hardened children only, path m / account' / index'
// (change path omitted; wallets may overlay a change=1 hardened level if desired).

// Seed returns a copy of the wallet's master seed. Callers should securely wipe
// the returned slice after use.
func (w *HDWallet) Seed() []byte {
	out := make([]byte, len(w.seed))
	copy(out, w.seed)
	return out
}

//---------------------------------------------------------------------
// Wallet creation utilities
//---------------------------------------------------------------------

// NewRandomWallet generates entropyBits (128/256) of RNG entropy, returns wallet + mnemonic.
// The caller MUST wipe the mnemonic or store it securely.
func NewRandomWallet(entropyBits int) (*HDWallet, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("unsupported entropy size %d", entropyBits)
	}

	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	w, err := NewHDWalletFromSeed(seed, globalLogger)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// WalletFromMnemonic imports an existing BIP-39 phrase.
func WalletFromMnemonic(mnemonic, passphrase string) (*HDWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic checksum")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewHDWalletFromSeed(seed, globalLogger)
}

func NewHDWalletFromSeed(seed []byte, lg *log.Logger) (*HDWallet, error) {
	if len(seed) < 16 {
		return nil, errors.New("seed too short")
	}

	I := hmacSHA512([]byte(masterHMACKey), seed)

	w := &HDWallet{
		seed:        seed,
		masterKey:   I[:32],
		masterChain: I[32:],
		logger:      lg,
	}

	if lg != nil {
		lg.Infof("wallet: master key initialised (%d bytes seed)", len(seed))
	}
	return w, nil
}

//---------------------------------------------------------------------
// Derivation path helpers
//---------------------------------------------------------------------

// derivePrivate returns the key material & new chain-code for a (hardened) index.
// Only hardened derivation is used – index MUST already carry the hardened offset.
func derivePrivate(parentKey, parentChain []byte, index uint32) (key, ccode []byte, err error) {
	if index < hardenedOffset {
		return nil, nil, errors.New("non-hardened derivation not supported")
	}
	// Data = 0x00 || parentKey || index(be)
	data := make([]byte, 1+32+4)
	copy(data[1:], parentKey)
	binary.BigEndian.PutUint32(data[33:], index)

	I := hmacSHA512(parentChain, data)
	key = I[:32]
	ccode = I[32:]
	return key, ccode, nil
}

// HMAC-SHA512 helper (constant-time)
func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// PrivateKey derives the secp256k1 private key for derivation path
// m / account' / index'. account, index are hardened internally. If the raw
// HMAC output is not a valid scalar the derivation is re-run over its own
// digest, up to 8 attempts in all; if none yields a valid key an error is
// returned. An invalid scalar occurs with negligible probability.
func (w *HDWallet) PrivateKey(account, index uint32) (*ecdsa.PrivateKey, error) {
	account |= hardenedOffset
	index |= hardenedOffset

	k1, c1, err := derivePrivate(w.masterKey, w.masterChain, account)
	if err != nil {
		return nil, err
	}
	k2, _, err := derivePrivate(k1, c1, index)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 8; attempt++ {
		priv, err := crypto.ToECDSA(k2)
		if err == nil {
			return priv, nil
		}
		sum := hmacSHA512([]byte("retry"), k2)
		k2 = sum[:32]
	}
	return nil, errors.New("failed to derive a valid secp256k1 key")
}

//---------------------------------------------------------------------
// Destination helpers
//---------------------------------------------------------------------

// NewAddress derives account+index and returns its Destination.
func (w *HDWallet) NewAddress(account, index uint32) (Destination, error) {
	priv, err := w.PrivateKey(account, index)
	if err != nil {
		return Destination{}, err
	}
	return DestinationFromCommon(crypto.PubkeyToAddress(priv.PublicKey)), nil
}

//---------------------------------------------------------------------
// Transaction signing
//---------------------------------------------------------------------

// SignTx derives (account, index) key, signs tx, and sets tx.From and
// tx.Signature. If gasPrice is non-nil it overrides the transaction's
// existing gas price before signing.
func (w *HDWallet) SignTx(tx *Transaction, account, index uint32, gasPrice *GasPrice) error {
	if tx == nil {
		return errors.New("nil transaction")
	}
	priv, err := w.PrivateKey(account, index)
	if err != nil {
		return err
	}
	if gasPrice != nil {
		tx.GasPrice = gasPrice
	}
	_ = time.Now() // timestamps are carried at the block level, not per-tx

	if err := tx.Sign(priv); err != nil {
		return err
	}
	if w.logger != nil {
		w.logger.Printf("signed tx %s by %s (account %d idx %d)", tx.Hash.Short(), tx.From.Hex(), account, index)
	}
	return nil
}

//---------------------------------------------------------------------
// Utility helpers
//---------------------------------------------------------------------

// RandomMnemonicEntropy produces cryptographically-secure random entropy of given bits.
func RandomMnemonicEntropy(bits int) ([]byte, error) {
	if bits%32 != 0 {
		return nil, errors.New("entropy bits must be multiple of 32")
	}
	b := make([]byte, bits/8)
	if _, err := crand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Wipe zeroes a byte slice in-place (best-effort – GC might still copy).
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
