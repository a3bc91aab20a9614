package core

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

// BlockType distinguishes the role a block plays in the fork graph.
type BlockType uint8

const (
	BlockGenesis BlockType = iota
	BlockOrigin            // fork birth
	BlockPrimary
	BlockSubsidiary
	BlockExtended
	BlockVacant
)

// Proofs carries the consensus-specific sealing data. Exactly one of
// HashWork (PoW fallback) or the PoS fields is populated, selected by the
// consensus driver at proposal time (see consensus.go).
type Proofs struct {
	HashWork   Hash   // set when the block was sealed by the PoW fallback path
	Piggyback  []byte // MPVSS agreement ballot evidence
	MintReward *Amount
	MintCoin   Destination // destination credited with the mint reward
}

// BlockHeader is the fixed-size, hashable portion of a block.
type BlockHeader struct {
	Version          uint32
	Type             BlockType
	Timestamp        int64
	Number           uint64
	Slot             uint32
	ChainID          ChainId // 0 on the primary chain; nonzero on a fork namespace
	RefPrimary       Hash    // subsidiary/extended blocks: the primary block this fork is pinned to
	HashPrev         Hash
	HashMerkleRoot   Hash
	HashStateRoot    Hash
	HashReceiptsRoot Hash
	NGasUsed         uint64
	BloomData        [256]byte
	Proofs           Proofs
	Signature        []byte
}

// Block couples the header with its mint transaction and the ordinary
// transactions that followed it in the block.
type Block struct {
	Header BlockHeader
	MintTx *Transaction
	Vtx    []*Transaction
}

// Transactions returns the full ordered transaction list: the mint
// transaction (if any) followed by vtx, matching the order the Merkle root
// is computed over (spec invariant: hashMerkleRoot == Merkle([mintTx] ++
// vtx)).
func (b *Block) Transactions() []*Transaction {
	if b.MintTx == nil {
		return b.Vtx
	}
	out := make([]*Transaction, 0, len(b.Vtx)+1)
	out = append(out, b.MintTx)
	return append(out, b.Vtx...)
}

// Hash computes the block's content hash and embeds Header.Number in the top
// 32 bits so the height can be recovered without a lookup (HeightFromHash).
func (b *Block) Hash() Hash {
	buf := make([]byte, 0, 256)
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], b.Header.Version)
	buf = append(buf, tmp[:4]...)
	buf = append(buf, byte(b.Header.Type))
	binary.BigEndian.PutUint64(tmp[:], uint64(b.Header.Timestamp))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], b.Header.Number)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:4], b.Header.Slot)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(b.Header.ChainID))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, b.Header.RefPrimary[:]...)
	buf = append(buf, b.Header.HashPrev[:]...)
	buf = append(buf, b.Header.HashMerkleRoot[:]...)
	buf = append(buf, b.Header.HashStateRoot[:]...)
	buf = append(buf, b.Header.HashReceiptsRoot[:]...)
	binary.BigEndian.PutUint64(tmp[:], b.Header.NGasUsed)
	buf = append(buf, tmp[:]...)

	digest := crypto.Keccak256(buf)
	var h Hash
	copy(h[:], digest)
	// Overwrite the top 4 bytes with the height so HeightFromHash is O(1).
	binary.BigEndian.PutUint32(h[:4], uint32(b.Header.Number))
	return h
}

// MerkleRoot computes the Merkle root of the block's transaction hashes in
// block order, matching the hashMerkleRoot invariant.
func (b *Block) MerkleRoot() Hash {
	txs := b.Transactions()
	if len(txs) == 0 {
		return Hash(sha256.Sum256(nil))
	}
	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		h := tx.HashTx()
		leaves[i] = h[:]
	}
	tree, _ := BuildMerkleTree(leaves)
	root := tree[len(tree)-1][0]
	return Hash(root)
}

// IsOrigin reports whether this block is the first block of a fork (either
// the network genesis, or the birth block of a child fork).
func (b *Block) IsOrigin() bool {
	return b.Header.Type == BlockGenesis || b.Header.Type == BlockOrigin
}
