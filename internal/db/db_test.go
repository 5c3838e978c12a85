package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/rsclarke/toolauth/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestMigrationsApplied(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"schema_migrations", "replay_records", "invocations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 2; i++ {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		_ = db.Close()
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     int
		wantErr  bool
	}{
		{"valid", "001_create_tables.sql", 1, false},
		{"valid large", "123_add_column.sql", 123, false},
		{"missing underscore", "001.sql", 0, true},
		{"empty prefix", "_create_tables.sql", 0, true},
		{"non-numeric prefix", "abc_create_tables.sql", 0, true},
		{"empty string", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVersion(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseVersion(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("parseVersion(%q) = %v, want %v", tt.filename, got, tt.want)
			}
		})
	}
}

func TestReplayRecordLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := &models.ReplayRecord{
		CallerID:      "leader_1",
		Nonce:         "abc",
		ContentHash:   []byte("hash-a"),
		FirstSeenAtMS: 1000,
		ExpiresAtMS:   2000,
	}

	ok, err := InsertReplayRecord(ctx, db, rec)
	if err != nil || !ok {
		t.Fatalf("InsertReplayRecord = %v, %v; want true, nil", ok, err)
	}
	ok, err = InsertReplayRecord(ctx, db, rec)
	if err != nil || ok {
		t.Fatalf("second InsertReplayRecord = %v, %v; want false, nil", ok, err)
	}

	if err := CompleteReplayRecord(ctx, db, "leader_1", "abc", 200, []byte("body"), "in", "sig"); err != nil {
		t.Fatalf("CompleteReplayRecord failed: %v", err)
	}

	got, err := GetReplayRecord(ctx, db, "leader_1", "abc")
	if err != nil {
		t.Fatalf("GetReplayRecord failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetReplayRecord returned nil")
	}
	if got.State != models.ReplayComplete {
		t.Errorf("state = %d, want %d", got.State, models.ReplayComplete)
	}
	if got.ResponseStatus == nil || *got.ResponseStatus != 200 {
		t.Errorf("response status = %v, want 200", got.ResponseStatus)
	}
	if string(got.ResponseBody) != "body" {
		t.Errorf("response body = %q, want %q", got.ResponseBody, "body")
	}

	missing, err := GetReplayRecord(ctx, db, "leader_1", "other")
	if err != nil || missing != nil {
		t.Errorf("GetReplayRecord(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestReplayRecordAbandonResume(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := &models.ReplayRecord{CallerID: "l", Nonce: "n", ContentHash: []byte("h"), FirstSeenAtMS: 1, ExpiresAtMS: 10}
	if _, err := InsertReplayRecord(ctx, db, rec); err != nil {
		t.Fatalf("InsertReplayRecord failed: %v", err)
	}
	if err := AbandonReplayRecord(ctx, db, "l", "n"); err != nil {
		t.Fatalf("AbandonReplayRecord failed: %v", err)
	}

	ok, err := ResumeReplayRecord(ctx, db, "l", "n", []byte("other"))
	if err != nil || ok {
		t.Errorf("ResumeReplayRecord(other hash) = %v, %v; want false, nil", ok, err)
	}
	ok, err = ResumeReplayRecord(ctx, db, "l", "n", []byte("h"))
	if err != nil || !ok {
		t.Errorf("ResumeReplayRecord = %v, %v; want true, nil", ok, err)
	}
}

func TestPurgeAndReplaceExpired(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, r := range []*models.ReplayRecord{
		{CallerID: "l", Nonce: "old", ContentHash: []byte("h"), FirstSeenAtMS: 1, ExpiresAtMS: 100},
		{CallerID: "l", Nonce: "edge", ContentHash: []byte("h"), FirstSeenAtMS: 1, ExpiresAtMS: 200},
		{CallerID: "l", Nonce: "new", ContentHash: []byte("h"), FirstSeenAtMS: 1, ExpiresAtMS: 300},
	} {
		if _, err := InsertReplayRecord(ctx, db, r); err != nil {
			t.Fatalf("InsertReplayRecord failed: %v", err)
		}
	}

	replaced, err := ReplaceExpiredReplayRecord(ctx, db,
		&models.ReplayRecord{CallerID: "l", Nonce: "new", ContentHash: []byte("x"), FirstSeenAtMS: 5, ExpiresAtMS: 500}, 200)
	if err != nil || replaced {
		t.Errorf("ReplaceExpiredReplayRecord(live) = %v, %v; want false, nil", replaced, err)
	}

	n, err := PurgeReplayRecords(ctx, db, 200)
	if err != nil {
		t.Fatalf("PurgeReplayRecords failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d records, want 1", n)
	}

	edge, err := GetReplayRecord(ctx, db, "l", "edge")
	if err != nil || edge == nil {
		t.Errorf("record expiring exactly at now was purged: %v", err)
	}
}

func TestInvocations(t *testing.T) {
	db := openTestDB(t)

	for i, leader := range []string{"leader_1", "leader_2", "leader_1"} {
		_, err := CreateInvocation(db, &models.Invocation{
			ToolID:     "tool_1",
			LeaderID:   leader,
			LeaderKID:  3,
			Nonce:      "n",
			Outcome:    "executed",
			Status:     200,
			SigInput:   []byte("{}"),
			Signature:  []byte("sig"),
			OccurredAt: int64(100 + i),
		})
		if err != nil {
			t.Fatalf("CreateInvocation failed: %v", err)
		}
	}

	all, err := ListInvocations(db, "", 0)
	if err != nil {
		t.Fatalf("ListInvocations failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].OccurredAt != 102 {
		t.Errorf("first occurred_at = %d, want newest 102", all[0].OccurredAt)
	}
	if all[0].LeaderKID != 3 {
		t.Errorf("leader_kid = %d, want 3", all[0].LeaderKID)
	}

	l1, err := ListInvocations(db, "leader_1", 1)
	if err != nil {
		t.Fatalf("ListInvocations failed: %v", err)
	}
	if len(l1) != 1 || l1[0].LeaderID != "leader_1" {
		t.Errorf("ListInvocations(leader_1, 1) = %+v", l1)
	}
}
