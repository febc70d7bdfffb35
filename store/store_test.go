package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/thaimozhi-2005/New-Daily/store"
	"github.com/thaimozhi-2005/New-Daily/testutil"
)

func testChannel(userID int64, name string) store.Channel {
	return store.Channel{
		UserID:    userID,
		Name:      name,
		APIKey:    "key-" + name,
		APISecret: "secret-value-123",
		Username:  "someone@example.com",
		Password:  "hunter2hunter2",
	}
}

func TestCreateAndGetChannel(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := store.New(database)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	created, err := s.CreateChannel(ctx, testChannel(userID, "main"))
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected generated id")
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}

	got, err := s.GetChannel(ctx, userID, created.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Name != "main" || got.APISecret != "secret-value-123" || got.Password != "hunter2hunter2" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestCreateChannelDuplicate(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := store.New(database)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	if _, err := s.CreateChannel(ctx, testChannel(userID, "dup")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.CreateChannel(ctx, testChannel(userID, "dup"))
	if !errors.Is(err, store.ErrDuplicateChannel) {
		t.Fatalf("expected ErrDuplicateChannel, got %v", err)
	}

	// Same name under a different user is fine.
	if _, err := s.CreateChannel(ctx, testChannel(userID+1, "dup")); err != nil {
		t.Errorf("cross-user create should succeed: %v", err)
	}
}

func TestListChannelsOrdering(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := store.New(database)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	for i := 0; i < 3; i++ {
		if _, err := s.CreateChannel(ctx, testChannel(userID, fmt.Sprintf("ch%d", i))); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	list, err := s.ListChannels(ctx, userID)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Errorf("expected descending created_at order, got %v before %v", list[i-1].CreatedAt, list[i].CreatedAt)
		}
	}
}

func TestGetChannelOwnership(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := store.New(database)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	created, err := s.CreateChannel(ctx, testChannel(userID, "owned"))
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	// Another user cannot see the row by id.
	if _, err := s.GetChannel(ctx, userID+1, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetChannel(ctx, userID, created.ID+999999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing get: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteChannel(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := store.New(database)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	created, err := s.CreateChannel(ctx, testChannel(userID, "doomed"))
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	// A different user deleting the same id is a no-op.
	n, err := s.DeleteChannel(ctx, userID+1, created.ID)
	if err != nil || n != 0 {
		t.Fatalf("foreign delete: n=%d err=%v", n, err)
	}

	n, err = s.DeleteChannel(ctx, userID, created.ID)
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
	// Deleting again reports zero rows, not an error.
	n, err = s.DeleteChannel(ctx, userID, created.ID)
	if err != nil || n != 0 {
		t.Fatalf("repeat delete: n=%d err=%v", n, err)
	}
}

func TestUpdateTokensAndStaleScan(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := store.New(database)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	created, err := s.CreateChannel(ctx, testChannel(userID, "tokens"))
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	s.UpdateTokens(ctx, created.ID, "access-abc", "refresh-def")
	got, err := s.GetChannel(ctx, userID, created.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.AccessToken != "access-abc" || got.RefreshToken != "refresh-def" {
		t.Errorf("token cache mismatch: %+v", got)
	}

	// A freshly updated row should not show up in a wide stale window.
	stale, err := s.StaleTokenChannels(ctx, time.Hour, 100)
	if err != nil {
		t.Fatalf("StaleTokenChannels: %v", err)
	}
	for _, ch := range stale {
		if ch.ID == created.ID {
			t.Errorf("freshly refreshed channel reported stale")
		}
	}
}

func TestCountChannels(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := store.New(database)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	n, err := s.CountChannels(ctx, userID)
	if err != nil || n != 0 {
		t.Fatalf("initial count: n=%d err=%v", n, err)
	}
	if _, err := s.CreateChannel(ctx, testChannel(userID, "only")); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	n, err = s.CountChannels(ctx, userID)
	if err != nil || n != 1 {
		t.Fatalf("count after create: n=%d err=%v", n, err)
	}
}
