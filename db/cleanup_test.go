package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCleanupRemovesExpiredCacheAndOldRequests(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := old.AddDate(0, 0, 40)

	repo.now = func() time.Time { return old }
	oldDone := createTestRequest(t, repo, "thread-old")
	if err := repo.UpdateStatus(ctx, oldDone.ID, StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateStatus(ctx, oldDone.ID, StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	meta := &Metadata{RequestID: oldDone.ID, Prompt: "p", ModelName: "m", Steps: 20, CFGScale: 7,
		Sampler: "Euler a", Width: 512, Height: 512}
	if err := repo.CreateMetadata(ctx, meta); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateImage(ctx, &Image{RequestID: oldDone.ID, MetadataID: meta.ID, FilePath: "/img/old.png"}); err != nil {
		t.Fatal(err)
	}
	oldPending := createTestRequest(t, repo, "thread-stuck")

	repo.now = func() time.Time { return now }
	fresh := createTestRequest(t, repo, "thread-new")

	for hash, expires := range map[string]time.Time{
		"expired": now.Add(-time.Minute),
		"live":    now.Add(time.Hour),
	} {
		if err := repo.PutResearchCache(ctx, &ResearchCacheEntry{
			QueryHash: hash, Query: hash, Results: []byte(`{}`), ExpiresAt: expires,
		}); err != nil {
			t.Fatal(err)
		}
	}

	result, err := repo.Cleanup(ctx, CleanupPolicy{RequestRetentionDays: 30, Vacuum: true})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.ResearchCacheDeleted != 1 {
		t.Errorf("ResearchCacheDeleted = %d, want 1", result.ResearchCacheDeleted)
	}
	if result.RequestsDeleted != 1 {
		t.Errorf("RequestsDeleted = %d, want 1", result.RequestsDeleted)
	}
	if len(result.ImagePaths) != 1 || result.ImagePaths[0] != "/img/old.png" {
		t.Errorf("ImagePaths = %v", result.ImagePaths)
	}

	if _, err := repo.GetRequest(ctx, oldDone.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old completed request still present: %v", err)
	}
	if _, err := repo.GetMetadata(ctx, meta.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("metadata of purged request still present: %v", err)
	}
	if _, err := repo.GetRequest(ctx, oldPending.ID); err != nil {
		t.Errorf("old pending request was purged: %v", err)
	}
	if _, err := repo.GetRequest(ctx, fresh.ID); err != nil {
		t.Errorf("fresh request was purged: %v", err)
	}
	if _, err := repo.GetResearchCache(ctx, "live", now); err != nil {
		t.Errorf("live cache entry was purged: %v", err)
	}
}

func TestCleanupKeepsRequestsWithoutRetention(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	repo.now = func() time.Time { return time.Now().AddDate(-1, 0, 0) }
	req := createTestRequest(t, repo, "thread-1")
	if err := repo.UpdateStatus(ctx, req.ID, StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	repo.now = time.Now

	result, err := repo.Cleanup(ctx, CleanupPolicy{})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.RequestsDeleted != 0 {
		t.Errorf("RequestsDeleted = %d, want 0", result.RequestsDeleted)
	}

	if _, err := repo.Cleanup(ctx, CleanupPolicy{RequestRetentionDays: -1}); err == nil {
		t.Error("Cleanup() with negative retention should fail")
	}
}

func TestCleanupSchedulerRunsImmediately(t *testing.T) {
	repo := newTestRepository(t)
	ctx, cancel := context.WithCancel(context.Background())

	ran := make(chan CleanupResult, 1)
	done := repo.StartCleanupScheduler(ctx, CleanupSchedulerConfig{
		Interval: time.Hour,
		OnCleanup: func(result CleanupResult, err error) {
			if err != nil {
				t.Errorf("cleanup error = %v", err)
			}
			select {
			case ran <- result:
			default:
			}
		},
	})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not run an initial cleanup")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
