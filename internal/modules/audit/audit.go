// Package audit provides the append-only audit log. Every state-changing
// operation records actor, action and the entity it touched. Rows are never
// updated or deleted.
package audit

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx so audit entries can be
// written inside the transaction that performed the change.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Logger writes and reads audit rows.
type Logger struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLogger creates a new audit logger.
func NewLogger(db *sql.DB, log zerolog.Logger) *Logger {
	return &Logger{
		db:  db,
		log: log.With().Str("component", "audit").Logger(),
	}
}

// Record appends one audit entry outside any transaction.
func (l *Logger) Record(actor domain.ActorType, action, detail, entityType string, entityID int64) error {
	return l.RecordTx(l.db, actor, action, detail, entityType, entityID)
}

// RecordTx appends one audit entry within the caller's transaction.
func (l *Logger) RecordTx(q Queryer, actor domain.ActorType, action, detail, entityType string, entityID int64) error {
	_, err := q.Exec(`INSERT INTO audit_log (actor, action, detail, entity_type, entity_id)
		VALUES (?, ?, ?, ?, ?)`,
		string(actor), action, detail, entityType, strconv.FormatInt(entityID, 10))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (l *Logger) Recent(limit int) ([]domain.AuditEntry, error) {
	rows, err := l.db.Query(`SELECT id, actor, action, detail, entity_type, entity_id, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ForEntity returns the entries for one entity in chronological order.
func (l *Logger) ForEntity(entityType string, entityID int64) ([]domain.AuditEntry, error) {
	rows, err := l.db.Query(`SELECT id, actor, action, detail, entity_type, entity_id, created_at
		FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY id ASC`,
		entityType, strconv.FormatInt(entityID, 10))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log for %s %d: %w", entityType, entityID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actor, createdAt string
		if err := rows.Scan(&e.ID, &actor, &e.Action, &e.Detail, &e.EntityType,
			&e.EntityID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Actor = domain.ActorType(actor)
		e.CreatedAt, _ = time.Parse(domain.TimeFormat, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
