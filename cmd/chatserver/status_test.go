package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/triplocal/chatsync/internal/db"
	"github.com/triplocal/chatsync/pkg/config"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{input: 0, want: "0 B"},
		{input: 1023, want: "1023 B"},
		{input: 1024, want: "1.0 KiB"},
		{input: 1536, want: "1.5 KiB"},
		{input: 1048576, want: "1.0 MiB"},
	}

	for _, tt := range tests {
		got := formatBytes(tt.input)
		if got != tt.want {
			t.Fatalf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := formatTimestamp(""); got != "n/a" {
		t.Fatalf("formatTimestamp(empty) = %q, want %q", got, "n/a")
	}

	const ts = "2026-08-28 10:00:00"
	if got := formatTimestamp(ts); got != ts {
		t.Fatalf("formatTimestamp(value) = %q, want %q", got, ts)
	}
}

func TestParseStatusArgs(t *testing.T) {
	opts, err := parseStatusArgs([]string{"--json"})
	if err != nil {
		t.Fatalf("parseStatusArgs returned error: %v", err)
	}
	if !opts.JSON {
		t.Fatalf("parseStatusArgs JSON = false, want true")
	}

	if _, err := parseStatusArgs([]string{"--bad"}); err == nil {
		t.Fatalf("parseStatusArgs expected error for unknown flag")
	}
}

func TestCollectStatusCountsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.db")
	database, err := db.New(path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	conn := database.GetConn()

	if _, err := conn.Exec("INSERT INTO users (id, username, password_hash, name) VALUES (1, 'alice', 'x', 'Alice'), (2, 'bob', 'x', 'Bob')"); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	if _, err := conn.Exec("INSERT INTO conversations (id, initiator_id, responder_id) VALUES (1, 1, 2)"); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := conn.Exec("INSERT INTO messages (conversation_id, user_id, content, read) VALUES (1, 1, 'hi', 0), (1, 2, 'ho', 1)"); err != nil {
		t.Fatalf("seed messages: %v", err)
	}
	database.Close()

	cfg := &config.Config{Environment: "test", Port: "0", DatabasePath: path}
	status := collectStatus(cfg)

	if !status.DBMetricsReady {
		t.Fatalf("metrics not ready: %s", status.DBWarning)
	}
	if status.Users != 2 || status.Conversations != 1 || status.Messages != 2 || status.UnreadMessages != 1 {
		t.Errorf("counts = users %d conversations %d messages %d unread %d",
			status.Users, status.Conversations, status.Messages, status.UnreadMessages)
	}
}

func TestCollectStatusMissingDatabase(t *testing.T) {
	cfg := &config.Config{DatabasePath: filepath.Join(t.TempDir(), "missing.db")}
	status := collectStatus(cfg)
	if status.DBMetricsReady {
		t.Error("metrics ready with no database file")
	}
	if status.DBWarning == "" {
		t.Error("expected a warning for the missing database")
	}
}

func TestPrintStatusJSON(t *testing.T) {
	status := appStatus{
		GeneratedAt:    time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
		Environment:    "test",
		Port:           "8080",
		DatabasePath:   "/tmp/chatsync.db",
		Users:          2,
		Messages:       5,
		DBMetricsReady: true,
	}

	var buf bytes.Buffer
	if err := printStatusJSON(&buf, status); err != nil {
		t.Fatalf("printStatusJSON returned error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if payload["environment"] != "test" {
		t.Errorf("environment = %v, want test", payload["environment"])
	}
	metrics, ok := payload["metrics"].(map[string]any)
	if !ok || metrics["users"].(float64) != 2 {
		t.Errorf("metrics = %v", payload["metrics"])
	}
}
