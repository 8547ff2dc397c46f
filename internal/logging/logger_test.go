package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitializeRequiresDir(t *testing.T) {
	if err := Initialize(Options{}); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestCategoryFilesCreatedInDebugMode(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(Options{Dir: dir, Debug: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Close()

	Session("session started: %s", "abc")
	BridgeDebug("spawned pid %d", 42)

	data, err := os.ReadFile(filepath.Join(dir, "session.log"))
	if err != nil {
		t.Fatalf("session.log not written: %v", err)
	}
	if !strings.Contains(string(data), "session started: abc") {
		t.Errorf("session.log missing entry, got: %s", data)
	}

	if _, err := os.Stat(filepath.Join(dir, "bridge.log")); err != nil {
		t.Errorf("bridge.log not written: %v", err)
	}
}

func TestProductionModeSuppressesInfo(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(Options{Dir: dir, Debug: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Close()

	Store("should not appear")
	Get(CategoryStore).Error("should appear")

	data, err := os.ReadFile(filepath.Join(dir, "daemon.log"))
	if err != nil {
		t.Fatalf("daemon.log not written: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "should not appear") {
		t.Error("info line written in production mode")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("error line missing in production mode")
	}
}

func TestDisabledCategory(t *testing.T) {
	dir := t.TempDir()
	err := Initialize(Options{
		Dir:        dir,
		Debug:      true,
		Level:      "debug",
		Categories: map[string]bool{"parser": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Close()

	ParserDebug("nothing")
	if _, err := os.Stat(filepath.Join(dir, "parser.log")); !os.IsNotExist(err) {
		t.Error("parser.log created for disabled category")
	}
}

func TestAuditAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(Options{Dir: dir, Debug: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Close()

	Audit(AuditEvent{
		Type:      AuditApprovalResolved,
		SessionID: "s1",
		RequestID: "r1",
		Actor:     "user",
		Details:   map[string]string{"decision": "approved"},
	})

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("audit.log not written: %v", err)
	}
	var ev AuditEvent
	if err := json.Unmarshal(data[:len(data)-1], &ev); err != nil {
		t.Fatalf("audit line is not valid JSON: %v", err)
	}
	if ev.Type != AuditApprovalResolved || ev.RequestID != "r1" {
		t.Errorf("unexpected audit event: %+v", ev)
	}
	if ev.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}
