package core

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

// TxType enumerates the high-level transaction categories the executor
// dispatches on (spec §3.3).
type TxType uint8

const (
	TxToken TxType = iota
	TxWork          // PoW mint
	TxStake         // DPoS mint
	TxCert          // delegate enrollment
	TxVoteReward    // reward payout
	TxInternal      // contract-initiated pseudo-tx
)

// DataTag identifies a recognized dataSections entry.
type DataTag uint8

const (
	DataCommon DataTag = iota
	DataCreateCode
	DataContractParam
	DataCertTxData
	DataBLSPubkey
	DataForkData
	DataEthTxData
)

// CreateCodeKind distinguishes a template deployment from a contract
// deployment inside a CREATE_CODE data section.
type CreateCodeKind uint8

const (
	CodeTypeTemplate CreateCodeKind = iota
	CodeTypeContract
)

// Transaction is the wire and execution unit. dataSections carries a small
// tag->bytes map rather than a fixed struct so new transaction kinds can add
// sections without breaking old ones — mirroring the teacher's
// "dataSections" contract described in spec §3.3.
type Transaction struct {
	TxType       TxType
	ChainId      ChainId
	Nonce        Nonce
	From         Destination
	To           Destination
	HasTo        bool // false means "create": see executor.resolveTarget
	Amount       *Amount
	GasPrice     *GasPrice
	GasLimit     Gas
	DataSections map[DataTag][]byte
	Signature    []byte

	// Hash is cached lazily by HashTx; zero-value means "not yet computed".
	Hash Hash
}

// HashTx computes and caches the transaction's content hash. Hashing is
// deterministic over the signable fields plus the signature, so distinct
// signatures on otherwise-identical contents still produce distinct ids.
func (tx *Transaction) HashTx() Hash {
	if !tx.Hash.IsZero() {
		return tx.Hash
	}
	buf := tx.signingBytes()
	buf = append(buf, tx.Signature...)
	digest := crypto.Keccak256(buf)
	var h Hash
	copy(h[:], digest)
	tx.Hash = h
	return h
}

func (tx *Transaction) signingBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(tx.TxType))
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], uint32(tx.ChainId))
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint64(tmp[:], tx.Nonce)
	buf = append(buf, tmp[:]...)
	buf = append(buf, tx.From.Bytes()...)
	if tx.HasTo {
		buf = append(buf, tx.To.Bytes()...)
	}
	if tx.Amount != nil {
		buf = append(buf, tx.Amount.Bytes()...)
	}
	if tx.GasPrice != nil {
		buf = append(buf, tx.GasPrice.Bytes()...)
	}
	binary.BigEndian.PutUint64(tmp[:], tx.GasLimit)
	buf = append(buf, tmp[:]...)

	// Data sections are hashed in tag order so wire re-ordering never
	// changes the signing hash.
	tags := make([]int, 0, len(tx.DataSections))
	for t := range tx.DataSections {
		tags = append(tags, int(t))
	}
	sort.Ints(tags)
	for _, t := range tags {
		buf = append(buf, byte(t))
		buf = append(buf, tx.DataSections[DataTag(t)]...)
	}
	return buf
}

// Sign signs the transaction with an ECDSA secp256k1 key and derives From
// from the public key, matching go-ethereum's recoverable-signature scheme.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return errors.New("nil private key")
	}
	pub := crypto.PubkeyToAddress(priv.PublicKey)
	tx.From = DestinationFromCommon(pub)
	tx.Hash = Hash{}
	h := tx.HashTx()
	sig, err := crypto.Sign(h[:], priv)
	if err != nil {
		return err
	}
	tx.Signature = sig
	tx.Hash = Hash{}
	return nil
}

// VerifySig checks the signature against the cached From destination.
func (tx *Transaction) VerifySig() error {
	if len(tx.Signature) != 65 {
		return NewChainError(ErrSignatureInvalid, "VerifySig", errors.New("malformed signature"))
	}
	signed := tx.Signature
	tx.Signature = nil
	tx.Hash = Hash{}
	h := tx.HashTx()
	tx.Signature = signed
	tx.Hash = Hash{}

	pub, err := crypto.SigToPub(h[:], signed)
	if err != nil {
		return NewChainError(ErrSignatureInvalid, "VerifySig", err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), h[:], signed[:64]) {
		return NewChainError(ErrSignatureInvalid, "VerifySig", errors.New("signature does not verify"))
	}
	if DestinationFromCommon(crypto.PubkeyToAddress(*pub)) != tx.From {
		return NewChainError(ErrSignatureInvalid, "VerifySig", errors.New("sender mismatch"))
	}
	return nil
}

// IDHex returns the transaction hash as a hex string, computing it if
// necessary.
func (tx *Transaction) IDHex() string { return tx.HashTx().Hex() }

// IsTransferOnly reports whether the destination is neither the function
// contract nor a deployed contract — i.e. the executor should skip EVM/
// function-contract dispatch entirely (spec §4.4.1 step 5).
func (tx *Transaction) IsTransferOnly(toCtx *AddressContext) bool {
	if !tx.HasTo {
		return false
	}
	if tx.To == FunctionContractAddress {
		return false
	}
	return toCtx == nil || toCtx.Kind != AddrKindContract
}
