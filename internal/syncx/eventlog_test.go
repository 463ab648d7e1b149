package syncx_test

import (
	"context"
	"testing"

	"github.com/mind-engage/mindengage-testengine/internal/db"
	"github.com/mind-engage/mindengage-testengine/internal/syncx"
)

func TestEventRepoRecordAndSince(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.DriverSQLite, "file:eventlog?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	repo := syncx.NewEventRepo(conn, "site-7")
	if err := repo.Record(ctx, "SubmissionRecorded", "s1", map[string]int{"attempt": 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.Record(ctx, "SubmissionSynced", "s2", map[string]int{"attempt": 2}); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := repo.Since(ctx, 0, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(all) != 2 || all[0].Key != "s1" || all[0].SiteID != "site-7" || all[0].DataJSON != `{"attempt":1}` {
		t.Fatalf("events = %+v", all)
	}
	rest, err := repo.Since(ctx, all[0].Seq, 10)
	if err != nil || len(rest) != 1 || rest[0].Type != "SubmissionSynced" {
		t.Fatalf("rest = %+v, %v", rest, err)
	}
}
