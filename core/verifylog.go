package core

// verifylog.go is the second, CRC-linked log described in spec §4.3 and
// grounded in original_source's src/storage/verifydb.{h,cpp}: one record per
// block log entry, each one's checksum folding in the previous record's
// checksum so any tampering with record i invalidates the checksum of every
// record after it. recovery.go walks this chain from the tail backwards at
// startup to find the last trustworthy position before touching the block
// log itself.

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// VerifyRecord is one verify-chain entry: { prevCrc, blockHash, indexCrc,
// rootCrc, file, offset } as described in SPEC_FULL §C, plus the record's
// own chained CRC (computed over the fields above, seeded with PrevCRC).
type VerifyRecord struct {
	PrevCRC   uint32
	BlockHash Hash
	IndexCRC  uint32 // CRC24Q of the tx-index/receipt roots at this block
	RootCRC   uint32 // CRC24Q of the composite state root at this block
	Chunk     uint32
	Offset    int64
	SelfCRC   uint32 // CRC24Q(PrevCRC || BlockHash || IndexCRC || RootCRC || Chunk || Offset)
}

const verifyRecordSize = 4 + 32 + 4 + 4 + 4 + 8 + 4 // = 60 bytes, fixed-width for O(1) tail seeks

func (r VerifyRecord) encode() []byte {
	buf := make([]byte, verifyRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.PrevCRC)
	copy(buf[4:36], r.BlockHash[:])
	binary.BigEndian.PutUint32(buf[36:40], r.IndexCRC)
	binary.BigEndian.PutUint32(buf[40:44], r.RootCRC)
	binary.BigEndian.PutUint32(buf[44:48], r.Chunk)
	binary.BigEndian.PutUint64(buf[48:56], uint64(r.Offset))
	binary.BigEndian.PutUint32(buf[56:60], r.SelfCRC)
	return buf
}

func decodeVerifyRecord(buf []byte) (VerifyRecord, error) {
	if len(buf) != verifyRecordSize {
		return VerifyRecord{}, fmt.Errorf("verifylog: record size %d, want %d", len(buf), verifyRecordSize)
	}
	var r VerifyRecord
	r.PrevCRC = binary.BigEndian.Uint32(buf[0:4])
	copy(r.BlockHash[:], buf[4:36])
	r.IndexCRC = binary.BigEndian.Uint32(buf[36:40])
	r.RootCRC = binary.BigEndian.Uint32(buf[40:44])
	r.Chunk = binary.BigEndian.Uint32(buf[44:48])
	r.Offset = int64(binary.BigEndian.Uint64(buf[48:56]))
	r.SelfCRC = binary.BigEndian.Uint32(buf[56:60])
	return r, nil
}

// selfCRC computes the chained checksum over every field except SelfCRC
// itself.
func (r VerifyRecord) selfCRC() uint32 {
	tmp := r
	tmp.SelfCRC = 0
	return CRC24Q(tmp.encode()[:56])
}

// VerifyLog is a single append-only file of fixed-width VerifyRecords.
type VerifyLog struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	lastCRC uint32
}

// OpenVerifyLog opens (creating if necessary) the verify chain file at path,
// reading the tail record (if any) to resume the CRC chain.
func OpenVerifyLog(path string) (*VerifyLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, NewChainError(ErrIoError, "OpenVerifyLog", err)
	}
	vl := &VerifyLog{path: path, f: f}
	n, err := vl.Len()
	if err != nil {
		f.Close()
		return nil, err
	}
	if n > 0 {
		last, err := vl.At(n - 1)
		if err != nil {
			f.Close()
			return nil, err
		}
		vl.lastCRC = last.SelfCRC
	}
	return vl, nil
}

// Len returns the number of records currently in the log.
func (vl *VerifyLog) Len() (int, error) {
	info, err := vl.f.Stat()
	if err != nil {
		return 0, NewChainError(ErrIoError, "VerifyLog.Len", err)
	}
	return int(info.Size() / verifyRecordSize), nil
}

// At reads the i'th record (0-indexed) without validating the chain.
func (vl *VerifyLog) At(i int) (VerifyRecord, error) {
	buf := make([]byte, verifyRecordSize)
	if _, err := vl.f.ReadAt(buf, int64(i)*verifyRecordSize); err != nil {
		return VerifyRecord{}, NewChainError(ErrDbCorrupt, "VerifyLog.At", err)
	}
	return decodeVerifyRecord(buf)
}

// Append adds a new record chained onto the current tail and returns it.
func (vl *VerifyLog) Append(blockHash Hash, indexCRC, rootCRC uint32, loc BlockLogLocation) (VerifyRecord, error) {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	r := VerifyRecord{
		PrevCRC:   vl.lastCRC,
		BlockHash: blockHash,
		IndexCRC:  indexCRC,
		RootCRC:   rootCRC,
		Chunk:     loc.Chunk,
		Offset:    loc.Offset,
	}
	r.SelfCRC = r.selfCRC()

	if _, err := vl.f.Write(r.encode()); err != nil {
		return VerifyRecord{}, NewChainError(ErrIoError, "VerifyLog.Append", err)
	}
	if err := vl.f.Sync(); err != nil {
		return VerifyRecord{}, NewChainError(ErrIoError, "VerifyLog.Append", err)
	}
	vl.lastCRC = r.SelfCRC
	return r, nil
}

// ValidateTail walks backwards from the last record, verifying each
// record's SelfCRC and its link to the next record's PrevCRC, stopping
// after checking at most window records (0 means "validate the whole
// chain"). It returns the index of the first (oldest, towards the tail)
// record found to be corrupt, or -1 if the checked window is clean.
func (vl *VerifyLog) ValidateTail(window int) (int, error) {
	n, err := vl.Len()
	if err != nil {
		return -1, err
	}
	if n == 0 {
		return -1, nil
	}
	start := 0
	if window > 0 && n-window > 0 {
		start = n - window
	}

	var prev *VerifyRecord
	badIdx := -1
	for i := n - 1; i >= start; i-- {
		rec, err := vl.At(i)
		if err != nil {
			badIdx = i
			continue
		}
		if rec.selfCRC() != rec.SelfCRC {
			badIdx = i
			continue
		}
		if prev != nil && prev.PrevCRC != rec.SelfCRC {
			badIdx = i + 1
		}
		r := rec
		prev = &r
	}
	return badIdx, nil
}

// Truncate drops every record from index n onward, used by recovery.go once
// a corrupt tail has been located.
func (vl *VerifyLog) Truncate(n int) error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	if err := vl.f.Truncate(int64(n) * verifyRecordSize); err != nil {
		return NewChainError(ErrIoError, "VerifyLog.Truncate", err)
	}
	if n == 0 {
		vl.lastCRC = 0
		return nil
	}
	last, err := vl.At(n - 1)
	if err != nil {
		return err
	}
	vl.lastCRC = last.SelfCRC
	return nil
}

func (vl *VerifyLog) Close() error {
	return vl.f.Close()
}
