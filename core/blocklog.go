package core

// blocklog.go is the durable, chunked binary block log (spec §4.3): blocks
// are appended as length-prefixed, CRC24Q-framed records split across
// fixed-size chunk files, mirroring original_source's
// src/storage/timeseries.{h,cpp} CTimeSeriesCached log rather than the
// simpler JSON-lines WAL ledger.go uses for quick in-process replay. The
// verify chain (verifylog.go) records one entry per block log record so
// corruption can be detected and localized without replaying the whole log.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// DefaultChunkSize bounds how large a single block log chunk file grows
// before the writer rolls to the next chunk, keeping any one file small
// enough to mmap/copy/archive independently.
const DefaultChunkSize = 64 << 20 // 64 MiB

// blockLogRecordOverhead is the framing cost per record: a 4-byte length
// prefix plus a 3-byte CRC24Q trailer.
const blockLogRecordOverhead = 4 + 3

// BlockLogLocation pinpoints a single record's position in the chunked log:
// which chunk file, and the byte offset within it.
type BlockLogLocation struct {
	Chunk  uint32
	Offset int64
}

func (l BlockLogLocation) String() string {
	return fmt.Sprintf("chunk=%d offset=%d", l.Chunk, l.Offset)
}

// BlockLog is the append-only chunked binary block log. One BlockLog owns a
// directory; chunk files are named "block-%08d.log" in append order.
type BlockLog struct {
	mu  sync.Mutex
	dir string

	chunkSize int64

	curChunk  uint32
	curFile   *os.File
	curOffset int64
}

// OpenBlockLog opens (creating if necessary) a chunked block log rooted at
// dir, resuming at the last chunk found on disk.
func OpenBlockLog(dir string, chunkSize int64) (*BlockLog, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewChainError(ErrIoError, "OpenBlockLog", err)
	}
	bl := &BlockLog{dir: dir, chunkSize: chunkSize}
	last, err := bl.latestChunkIndex()
	if err != nil {
		return nil, err
	}
	if err := bl.openChunk(last); err != nil {
		return nil, err
	}
	return bl, nil
}

func (bl *BlockLog) chunkPath(idx uint32) string {
	return filepath.Join(bl.dir, fmt.Sprintf("block-%08d.log", idx))
}

func (bl *BlockLog) latestChunkIndex() (uint32, error) {
	entries, err := os.ReadDir(bl.dir)
	if err != nil {
		return 0, NewChainError(ErrIoError, "BlockLog.latestChunkIndex", err)
	}
	var max uint32
	found := false
	for _, e := range entries {
		var idx uint32
		if _, err := fmt.Sscanf(e.Name(), "block-%08d.log", &idx); err == nil {
			if !found || idx > max {
				max = idx
				found = true
			}
		}
	}
	return max, nil
}

func (bl *BlockLog) openChunk(idx uint32) error {
	f, err := os.OpenFile(bl.chunkPath(idx), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return NewChainError(ErrIoError, "BlockLog.openChunk", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return NewChainError(ErrIoError, "BlockLog.openChunk", err)
	}
	if bl.curFile != nil {
		bl.curFile.Close()
	}
	bl.curChunk = idx
	bl.curFile = f
	bl.curOffset = info.Size()
	return nil
}

// Append encodes block as RLP, frames it with a length prefix and a CRC24Q
// trailer, and writes it to the current chunk (rolling to a fresh chunk if
// the write would exceed chunkSize). It returns the record's location for
// the verify log to reference.
func (bl *BlockLog) Append(block *Block) (BlockLogLocation, uint32, error) {
	payload, err := rlp.EncodeToBytes(block)
	if err != nil {
		return BlockLogLocation{}, 0, NewChainError(ErrInvalid, "BlockLog.Append", err)
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()

	recLen := int64(len(payload)) + blockLogRecordOverhead
	if bl.curOffset+recLen > bl.chunkSize && bl.curOffset > 0 {
		if err := bl.openChunk(bl.curChunk + 1); err != nil {
			return BlockLogLocation{}, 0, err
		}
	}

	loc := BlockLogLocation{Chunk: bl.curChunk, Offset: bl.curOffset}
	crc := CRC24Q(payload)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buf := make([]byte, 0, recLen)
	buf = append(buf, header[:]...)
	buf = append(buf, payload...)
	buf = append(buf, byte(crc>>16), byte(crc>>8), byte(crc))

	n, err := bl.curFile.Write(buf)
	if err != nil {
		return BlockLogLocation{}, 0, NewChainError(ErrIoError, "BlockLog.Append", err)
	}
	if err := bl.curFile.Sync(); err != nil {
		return BlockLogLocation{}, 0, NewChainError(ErrIoError, "BlockLog.Append", err)
	}
	bl.curOffset += int64(n)
	return loc, crc, nil
}

// ReadAt decodes and CRC-validates the record at loc, returning the block
// and the record's stored CRC (for comparison against the verify chain).
func (bl *BlockLog) ReadAt(loc BlockLogLocation) (*Block, uint32, error) {
	f, err := os.Open(bl.chunkPath(loc.Chunk))
	if err != nil {
		return nil, 0, NewChainError(ErrIoError, "BlockLog.ReadAt", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, err := f.Seek(loc.Offset, 0); err != nil {
		return nil, 0, NewChainError(ErrIoError, "BlockLog.ReadAt", err)
	}
	r.Reset(f)

	var header [4]byte
	if _, err := readFull(r, header[:]); err != nil {
		return nil, 0, NewChainError(ErrDbCorrupt, "BlockLog.ReadAt", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	payload := make([]byte, n)
	if _, err := readFull(r, payload); err != nil {
		return nil, 0, NewChainError(ErrDbCorrupt, "BlockLog.ReadAt", err)
	}
	var trailer [3]byte
	if _, err := readFull(r, trailer[:]); err != nil {
		return nil, 0, NewChainError(ErrDbCorrupt, "BlockLog.ReadAt", err)
	}
	storedCRC := uint32(trailer[0])<<16 | uint32(trailer[1])<<8 | uint32(trailer[2])
	if got := CRC24Q(payload); got != storedCRC {
		return nil, 0, NewChainError(ErrDbCorrupt, "BlockLog.ReadAt",
			fmt.Errorf("crc mismatch at %s: stored %06x computed %06x", loc, storedCRC, got))
	}

	var blk Block
	if err := rlp.DecodeBytes(payload, &blk); err != nil {
		return nil, 0, NewChainError(ErrDbCorrupt, "BlockLog.ReadAt", err)
	}
	return &blk, storedCRC, nil
}

// Walk replays every record across every chunk, in append order, calling fn
// with each block's location and stored CRC. Used by recovery.go to rebuild
// the ledger from a known-good tail, and by verifylog.go's initial build.
func (bl *BlockLog) Walk(fn func(loc BlockLogLocation, blk *Block, crc uint32) error) error {
	last, err := bl.latestChunkIndex()
	if err != nil {
		return err
	}
	for idx := uint32(0); idx <= last; idx++ {
		path := bl.chunkPath(idx)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return NewChainError(ErrIoError, "BlockLog.Walk", err)
		}
		var offset int64
		for offset < info.Size() {
			loc := BlockLogLocation{Chunk: idx, Offset: offset}
			blk, crc, err := bl.ReadAt(loc)
			if err != nil {
				return err
			}
			if err := fn(loc, blk, crc); err != nil {
				return err
			}
			payload, _ := rlp.EncodeToBytes(blk)
			offset += int64(len(payload)) + blockLogRecordOverhead
		}
	}
	return nil
}

func (bl *BlockLog) Close() error {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.curFile == nil {
		return nil
	}
	return bl.curFile.Close()
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
