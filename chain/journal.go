package chain

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	entryReceipt = "receipt"
	entryBlock   = "block"
)

// journalEntry is one line of the journal.
type journalEntry struct {
	Type    string       `json:"type"`
	Receipt *Receipt     `json:"receipt,omitempty"`
	Block   *BlockReport `json:"block,omitempty"`
}

// Journal appends receipts and block reports to a zstd compressed JSONL
// file.
type Journal struct {
	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

// OpenJournal creates the journal file at path. Each journal is one zstd
// stream, so an existing file is truncated rather than appended to.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Journal{f: f, enc: enc, w: bufio.NewWriterSize(enc, 128*1024)}, nil
}

// Write appends v as one JSON line.
func (j *Journal) Write(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return errors.New("journal closed")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.enc.Flush()
}

// Close finishes the zstd stream and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	err := j.w.Flush()
	if cerr := j.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.w, j.enc, j.f = nil, nil, nil
	return err
}

// JournalRecord is a decoded journal line: exactly one of Receipt or Block
// is set.
type JournalRecord struct {
	Receipt *Receipt
	Block   *BlockReport
}

// ReadJournal decodes a closed journal, calling fn for each line in order.
func ReadJournal(path string, fn func(JournalRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	jd := json.NewDecoder(dec)
	for {
		var e journalEntry
		if err := jd.Decode(&e); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err := fn(JournalRecord{Receipt: e.Receipt, Block: e.Block}); err != nil {
			return err
		}
	}
}
