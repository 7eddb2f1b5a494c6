// Package audit records claim-lifecycle decisions to an append-only JSONL
// file and, when configured, the audit_log table. Grants and denials both
// land here so contested accounts can be reconstructed after the fact.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/colldesk/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one decision. Safe to call before Init; entries are simply
// not persisted until a sink exists.
func Record(decision, action, reason, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	// Debtor PII and tokens must not reach the audit trail.
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, shared.TraceID(ctx), subject, action, decision, reason)
	}
}
