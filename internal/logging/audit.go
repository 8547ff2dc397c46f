// Audit logging for decisions that must survive for later review: approval
// outcomes, emergency-mode toggles, session transitions, and recovery actions.
// Audit records are JSON lines appended to audit.log and are written even when
// debug logging is disabled.
package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// AuditEventType identifies the kind of audited event.
type AuditEventType string

const (
	AuditApprovalRequested AuditEventType = "approval_requested"
	AuditApprovalAuto      AuditEventType = "approval_auto"
	AuditApprovalResolved  AuditEventType = "approval_resolved"
	AuditApprovalTimeout   AuditEventType = "approval_timeout"

	AuditEmergencyOn  AuditEventType = "emergency_activated"
	AuditEmergencyOff AuditEventType = "emergency_deactivated"

	AuditSessionTransition AuditEventType = "session_transition"
	AuditSessionRecovered  AuditEventType = "session_recovered"
)

// AuditEvent is one audit record.
type AuditEvent struct {
	Timestamp int64             `json:"ts"`
	Type      AuditEventType    `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

var auditFile *os.File

// Audit appends an audit record. Failures are swallowed after a stderr
// warning; auditing must never abort the operation being audited.
func Audit(ev AuditEvent) {
	mu.Lock()
	defer mu.Unlock()

	if !initialized {
		return
	}
	if auditFile == nil {
		path := filepath.Join(opts.Dir, "audit.log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			os.Stderr.WriteString("[logging] cannot open audit log: " + err.Error() + "\n")
			return
		}
		auditFile = f
	}

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	auditFile.Write(append(line, '\n'))
}

func closeAuditLocked() {
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}
