// Package db is a sqlite ledger backend built on gorm. Every key lives in one
// table; the outermost scope is a database transaction and nested scopes are
// savepoints inside it.
package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/govm-net/qi/ledger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const defaultDBPath = "./qi.db"

// Entry is one key/value row.
type Entry struct {
	Key   string `gorm:"column:entry_key;primaryKey"`
	Value []byte `gorm:"column:entry_value;type:blob;not null"`
}

// TableName specifies the table name for Entry
func (Entry) TableName() string {
	return "ledger_entries"
}

// Backend implements ledger.Backend on sqlite.
type Backend struct {
	mu     sync.Mutex
	root   *gorm.DB
	scopes []*scope
}

func init() {
	if err := ledger.Register(ledger.DBType, func(params map[string]any) (ledger.Backend, error) {
		return New(params)
	}); err != nil {
		panic(err)
	}
}

// New opens (or creates) the database named by params["db_path"].
func New(params map[string]any) (*Backend, error) {
	dbPath := defaultDBPath
	if path, ok := params["db_path"].(string); ok && path != "" {
		dbPath = path
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// One connection: the open transaction must see every read and write.
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	slog.Debug("ledger database opened", "path", dbPath)
	return &Backend{root: gdb}, nil
}

func (b *Backend) current() *gorm.DB {
	if n := len(b.scopes); n > 0 {
		return b.scopes[0].tx
	}
	return b.root
}

func (b *Backend) Get(key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var entries []Entry
	if err := b.current().Where("entry_key = ?", key).Limit(1).Find(&entries).Error; err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	return entries[0].Value, true, nil
}

func (b *Backend) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if value == nil {
		value = []byte{}
	}
	return b.current().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value"}),
	}).Create(&Entry{Key: key, Value: value}).Error
}

func (b *Backend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current().Where("entry_key = ?", key).Delete(&Entry{}).Error
}

func (b *Backend) Scan(prefix string, fn func(key string, value []byte) error) error {
	b.mu.Lock()
	var entries []Entry
	q := b.current().Order("entry_key")
	if prefix != "" {
		q = q.Where("entry_key >= ? AND entry_key < ?", prefix, prefix+"\xff")
	}
	err := q.Find(&entries).Error
	b.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Begin() (ledger.Scope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.scopes) == 0 {
		tx := b.root.Begin()
		if tx.Error != nil {
			return nil, tx.Error
		}
		s := &scope{b: b, tx: tx, depth: 1}
		b.scopes = append(b.scopes, s)
		return s, nil
	}
	tx := b.scopes[0].tx
	name := fmt.Sprintf("sp%d", len(b.scopes))
	if err := tx.SavePoint(name).Error; err != nil {
		return nil, err
	}
	s := &scope{b: b, tx: tx, depth: len(b.scopes) + 1, savepoint: name}
	b.scopes = append(b.scopes, s)
	return s, nil
}

// Depth is the number of open scopes.
func (b *Backend) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scopes)
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.scopes) > 0 {
		b.scopes[0].tx.Rollback()
		b.scopes = nil
	}
	sqlDB, err := b.root.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type scope struct {
	b         *Backend
	tx        *gorm.DB
	depth     int
	savepoint string
	closed    bool
}

func (s *scope) check() error {
	if s.closed {
		return ledger.ErrScopeClosed
	}
	if len(s.b.scopes) != s.depth {
		return ledger.ErrScopeOrder
	}
	return nil
}

func (s *scope) pop() {
	s.b.scopes = s.b.scopes[:s.depth-1]
	s.closed = true
}

func (s *scope) Squash() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	defer s.pop()
	if s.savepoint == "" {
		return s.tx.Commit().Error
	}
	return s.tx.Exec("RELEASE SAVEPOINT " + s.savepoint).Error
}

func (s *scope) Discard() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	defer s.pop()
	if s.savepoint == "" {
		return s.tx.Rollback().Error
	}
	if err := s.tx.RollbackTo(s.savepoint).Error; err != nil {
		return err
	}
	return s.tx.Exec("RELEASE SAVEPOINT " + s.savepoint).Error
}
