package rollback

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"

	goerrors "github.com/evoseal/core/infrastructure/errors"
)

// AuditLog persists rollback Records as append-only JSON lines, satisfying
// spec.md §6's "rollback history (append-only JSON lines)" persisted-state
// requirement.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog opens (creating if necessary) a JSON-lines audit log at path.
func NewAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, goerrors.Internal("open rollback audit log", err)
	}
	_ = f.Close()
	return &AuditLog{path: path}, nil
}

// Append writes one Record as a single JSON line, fsyncing before return so
// the record is durable before the caller's RollbackTo/CascadingRollback/
// EmergencyRollback returns.
func (a *AuditLog) Append(rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return goerrors.Internal("marshal rollback record", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return goerrors.Internal("open rollback audit log", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return goerrors.Internal("append rollback record", err)
	}
	return f.Sync()
}

// ReadAll loads every recorded entry, oldest first, for recovery/inspection.
func (a *AuditLog) ReadAll() ([]Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, goerrors.Internal("read rollback audit log", err)
	}

	var records []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
