// Package repository keeps superseded contract revisions on disk, one zstd
// compressed file per revision next to a small JSON metadata file.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/types"
)

// ErrRevisionExists is returned when a revision is archived twice.
var ErrRevisionExists = errors.New("revision already archived")

// Manager is the revision archive.
type Manager struct {
	rootDir string

	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Metadata describes an archived revision.
type Metadata struct {
	Name       core.ContractName `json:"name"`
	Revision   uint64            `json:"revision"`
	Hash       string            `json:"hash"`
	Size       int               `json:"size"`
	ABI        abi.Table         `json:"abi"`
	ArchivedAt time.Time         `json:"archived_at"`
}

// NewManager creates an archive rooted at rootDir.
func NewManager(rootDir string) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		slog.Error("failed to create root directory", "dir", rootDir, "error", err)
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Manager{rootDir: rootDir, enc: enc, dec: dec}, nil
}

// Close releases the codecs.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dec.Close()
	return m.enc.Close()
}

// Archive stores a superseded revision.
func (m *Manager) Archive(rev types.ContractRevision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.contractDir(rev.Name)
	codePath := filepath.Join(dir, revisionFile(rev.Revision, ".code.zst"))
	if _, err := os.Stat(codePath); err == nil {
		return fmt.Errorf("%s revision %d: %w", rev.Name, rev.Revision, ErrRevisionExists)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check revision: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create contract directory: %w", err)
	}

	hash := rev.CodeHash
	if hash == core.ZeroHash {
		hash = core.GetHash(rev.Code)
	}
	metadata := Metadata{
		Name:       rev.Name,
		Revision:   rev.Revision,
		Hash:       hash.String(),
		Size:       len(rev.Code),
		ABI:        rev.ABI,
		ArchivedAt: time.Now().UTC(),
	}
	metadataBytes, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(codePath, m.enc.EncodeAll(rev.Code, nil), 0644); err != nil {
		return fmt.Errorf("failed to save code: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, revisionFile(rev.Revision, ".json")), metadataBytes, 0644); err != nil {
		os.Remove(codePath)
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	slog.Debug("Revision archived", "contract", rev.Name, "revision", rev.Revision, "size", len(rev.Code))
	return nil
}

// Load reads an archived revision back and checks its code hash.
func (m *Manager) Load(name core.ContractName, revision uint64) (*types.ContractRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.contractDir(name)
	metadataBytes, err := os.ReadFile(filepath.Join(dir, revisionFile(revision, ".json")))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(metadataBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	compressed, err := os.ReadFile(filepath.Join(dir, revisionFile(revision, ".code.zst")))
	if err != nil {
		return nil, fmt.Errorf("failed to read code: %w", err)
	}
	code, err := m.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress code: %w", err)
	}
	hash := core.GetHash(code)
	if hash.String() != metadata.Hash {
		return nil, fmt.Errorf("%s revision %d: code hash mismatch", name, revision)
	}
	return &types.ContractRevision{
		Name:     metadata.Name,
		Revision: metadata.Revision,
		Code:     code,
		ABI:      metadata.ABI,
		CodeHash: hash,
	}, nil
}

// Revisions lists the archived revision numbers of a contract in ascending
// order.
func (m *Manager) Revisions(name core.ContractName) ([]uint64, error) {
	entries, err := os.ReadDir(m.contractDir(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		rev, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Manager) contractDir(name core.ContractName) string {
	return filepath.Join(m.rootDir, string(core.CanonicalName(name)))
}

func revisionFile(revision uint64, ext string) string {
	return fmt.Sprintf("%020d%s", revision, ext)
}
