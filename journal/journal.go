// Package journal persists the engine's canonical events append-only for
// audit. It implements escrow.Emitter so every committed transition lands in
// durable storage alongside the in-memory state.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"escrowd/native/escrow"
)

// Entry is a single journaled event. Sequence numbers are assigned by the
// database and strictly increase in commit order.
type Entry struct {
	Sequence   uint64    `gorm:"primaryKey;autoIncrement;column:sequence" json:"sequence"`
	EventID    string    `gorm:"size:36;uniqueIndex" json:"eventId"`
	Type       string    `gorm:"size:64;index" json:"type"`
	EscrowID   string    `gorm:"size:32;index" json:"escrowId,omitempty"`
	Attributes string    `gorm:"type:text" json:"attributes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (Entry) TableName() string { return "escrow_events" }

// Journal is an append-only event log backed by gorm.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open connects to the configured database and migrates the journal schema.
// Supported drivers are "sqlite" (file path DSN) and "postgres".
func Open(driver, dsn string, log *slog.Logger) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, logger: log, nowFn: time.Now}, nil
}

// SetNowFunc overrides the journal clock. Primarily intended for tests.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		j.nowFn = time.Now
		return
	}
	j.nowFn = now
}

// Append persists the event and returns the stored entry.
func (j *Journal) Append(evt escrow.Event) (Entry, error) {
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: encode attributes: %w", err)
	}
	entry := Entry{
		EventID:    uuid.NewString(),
		Type:       evt.Type,
		EscrowID:   evt.Attributes["id"],
		Attributes: string(payload),
		CreatedAt:  j.nowFn().UTC(),
	}
	if err := j.db.Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("journal: append: %w", err)
	}
	return entry, nil
}

// Emit implements escrow.Emitter. Journal failures are logged rather than
// propagated: the owning transition has already committed.
func (j *Journal) Emit(evt escrow.Event) {
	if _, err := j.Append(evt); err != nil {
		j.logger.Error("journal append failed", "type", evt.Type, "err", err)
	}
}

// List returns up to limit entries with sequence greater than after, in
// sequence order.
func (j *Journal) List(after uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []Entry
	err := j.db.Where("sequence > ?", after).Order("sequence asc").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	db, err := j.db.DB()
	if err != nil {
		if errors.Is(err, gorm.ErrInvalidDB) {
			return nil
		}
		return err
	}
	return db.Close()
}
