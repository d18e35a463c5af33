package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "rollout/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("Open(postgres) error = nil")
	}
}

func TestRunHistory(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state", "rollout.db")
			st := openDriver(t, driver, path)

			ctx := context.Background()
			for i, id := range []string{"r1", "r2", "r3"} {
				rec := RunRecord{
					ID: id, Job: "1->2", Trigger: "cron",
					Started:  base.Add(time.Duration(i) * time.Minute),
					Finished: base.Add(time.Duration(i)*time.Minute + time.Second),
					Planned:  i, Applied: i,
				}
				if err := st.AppendRun(ctx, rec); err != nil {
					t.Fatalf("AppendRun(%s): %v", id, err)
				}
			}
			if err := st.AppendRun(ctx, RunRecord{ID: "o1", Job: "other", Started: base, Finished: base, Error: "boom"}); err != nil {
				t.Fatalf("AppendRun(other): %v", err)
			}

			runs, err := st.ListRuns(ctx, "1->2", 2)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
				t.Fatalf("ListRuns(limit 2) = %+v, want r3, r2", runs)
			}
			if got := runs[0].Took(); got != time.Second {
				t.Fatalf("Took = %s, want 1s", got)
			}

			all, _ := st.ListRuns(ctx, "1->2", 0)
			if len(all) != 3 {
				t.Fatalf("ListRuns(all) = %d records, want 3", len(all))
			}
			other, _ := st.ListRuns(ctx, "other", 0)
			if len(other) != 1 || other[0].Error != "boom" {
				t.Fatalf("ListRuns(other) = %+v", other)
			}

			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			reopened := openDriver(t, driver, path)
			defer reopened.Close()
			again, err := reopened.ListRuns(ctx, "1->2", 1)
			if err != nil || len(again) != 1 || again[0].ID != "r3" {
				t.Fatalf("after reopen ListRuns = %+v, %v", again, err)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, driver, filepath.Join(t.TempDir(), "rollout.db"))
			defer st.Close()

			ctx := context.Background()
			if _, ok, err := st.GetDedup(ctx, "cluster2/service1"); ok || err != nil {
				t.Fatalf("GetDedup before put = %v, %v", ok, err)
			}
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "cluster2/service1", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "cluster2/service1")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %s, %v, %v; want %s", got, ok, err, until)
			}
		})
	}
}
