package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relator/api/internal/config"
)

const authorDef = `
name: author
type: object
properties:
  name: {type: string}
`

const bookDef = `
name: book
type: object
properties:
  author:
    type: object
    relator:
      collection: author
      mappings:
        - from: name
    properties:
      id: {type: string}
      name: {type: string}
  notes:
    type: string
    ignoreHistory: true
`

func writeDefinitions(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{"author.yaml": authorDef, "book.yaml": bookDef} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	previous := loadConfig
	loadConfig = func() config.Config {
		return config.Config{StoreDriver: "memory", CacheTTL: time.Minute, InvokeSecret: "test"}
	}
	t.Cleanup(func() {
		loadConfig = previous
		definitionsDir, maxRuns, historyAt, historyHash = "", 0, "", ""
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDetailsCommandPrintsExtractedDetails(t *testing.T) {
	dir := writeDefinitions(t)
	out, err := execute(t, "details", filepath.Join(dir, "book.yaml"))
	if err != nil {
		t.Fatalf("details failed: %v\n%s", err, out)
	}

	var payload struct {
		Name               string           `json:"name"`
		AssociationDetails []map[string]any `json:"associationDetails"`
		IgnoreHistory      []string         `json:"ignoreHistory"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if payload.Name != "book" {
		t.Fatalf("expected book, got %q", payload.Name)
	}
	if len(payload.AssociationDetails) != 1 || payload.AssociationDetails[0]["sourceType"] != "author" {
		t.Fatalf("unexpected details: %v", payload.AssociationDetails)
	}
	if len(payload.IgnoreHistory) != 1 || payload.IgnoreHistory[0] != "notes" {
		t.Fatalf("unexpected ignore paths: %v", payload.IgnoreHistory)
	}
}

func TestDrainCommandRunsSeededTasks(t *testing.T) {
	dir := writeDefinitions(t)
	out, err := execute(t, "drain", "--definitions", dir)
	if err != nil {
		t.Fatalf("drain failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "done=1") || !strings.Contains(out, "pending=0") {
		t.Fatalf("unexpected drain summary: %s", out)
	}
}

func TestHistoryCommandRejectsBadInstant(t *testing.T) {
	_, err := execute(t, "history", "book", "b1", "--at", "yesterday")
	if err == nil || !strings.Contains(err.Error(), "--at") {
		t.Fatalf("expected --at error, got %v", err)
	}
}

func TestArchiveCommandNeedsEndpoint(t *testing.T) {
	_, err := execute(t, "archive", "book", "b1")
	if err == nil || !strings.Contains(err.Error(), "ARCHIVE_ENDPOINT") {
		t.Fatalf("expected archive configuration error, got %v", err)
	}
}
