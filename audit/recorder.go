package audit

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tallychain/core/events"
	"tallychain/core/types"
)

// Record is one row of settlement history, flattened from an engine event.
type Record struct {
	ID        uint   `gorm:"primaryKey"`
	EventType string `gorm:"index"`
	Seq       uint64
	Kind      string `gorm:"index"`
	Identity  string `gorm:"index"`
	Amount    string
	Root      string
	Turn      uint64
	CreatedAt time.Time
}

// Recorder subscribes to engine and custody events and persists a queryable
// history. It is an optional collaborator; the engine runs fine without it.
type Recorder struct {
	db   *gorm.DB
	next events.Emitter
}

// Open creates or opens the audit database at path. Pass ":memory:" for an
// ephemeral index.
func Open(path string) (*Recorder, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Recorder{db: db, next: events.NoopEmitter{}}, nil
}

// Chain forwards every event to the next emitter after recording it, so the
// recorder can sit in front of other subscribers.
func (r *Recorder) Chain(next events.Emitter) {
	if next == nil {
		next = events.NoopEmitter{}
	}
	r.next = next
}

// Emit implements events.Emitter.
func (r *Recorder) Emit(event events.Event) {
	defer r.next.Emit(event)
	row := r.flatten(event)
	if row == nil {
		return
	}
	// Audit rows are best-effort; a failed insert never blocks settlement.
	r.db.Create(row)
}

func (r *Recorder) flatten(event events.Event) *Record {
	switch e := event.(type) {
	case events.ActionDispatched:
		return &Record{
			EventType: e.EventType(),
			Seq:       e.Seq,
			Kind:      e.Kind.String(),
			Identity:  attrIdentity(e.Event()),
		}
	case events.ActionSettled:
		row := &Record{
			EventType: e.EventType(),
			Seq:       e.Seq,
			Kind:      e.Kind.String(),
			Identity:  attrIdentity(e.Event()),
			Root:      e.Event().Attributes["root"],
			Turn:      e.Turn,
		}
		if e.Balance != nil {
			row.Amount = e.Balance.String()
		}
		return row
	case events.CustodyCollected:
		return &Record{
			EventType: e.EventType(),
			Identity:  e.Event().Attributes["member"],
			Amount:    e.Event().Attributes["amount"],
		}
	case events.CustodyDisbursed:
		return &Record{
			EventType: e.EventType(),
			Identity:  e.Event().Attributes["counterparty"],
			Amount:    e.Event().Attributes["amount"],
		}
	default:
		return nil
	}
}

// Recent returns the most recent rows, newest first.
func (r *Recorder) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []Record
	if err := r.db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return rows, nil
}

// HistoryFor returns every recorded event for the given identity, oldest
// first.
func (r *Recorder) HistoryFor(identity string) ([]Record, error) {
	var rows []Record
	if err := r.db.Where("identity = ?", identity).Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return rows, nil
}

func attrIdentity(evt *types.Event) string {
	if evt == nil {
		return ""
	}
	return evt.Attributes["identity"]
}
