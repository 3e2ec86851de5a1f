package server

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/schema"
)

func presenceRegistry() *schema.Registry {
	return schema.NewRegistry(
		schema.Component{Name: "Position", Version: 1, Behavior: schema.SyncDocument},
		schema.Component{Name: "Cursor", Version: 1, Behavior: schema.SyncEphemeral},
	)
}

func TestDropAnnouncesDeletionForOwnedEphemeralState(t *testing.T) {
	var announced []patch.Patch
	tracker := NewPresenceTracker(nil, presenceRegistry(), zerolog.Nop(),
		func(_ context.Context, documentID, clientID string, p patch.Patch) {
			announced = append(announced, p)
		})

	cursorKey := patch.Key("client-a", "Cursor")
	tracker.Observe(context.Background(), "doc-1", "client-a", []patch.Patch{
		{
			cursorKey:                   patch.ComponentData{patch.ExistsField: true, "x": 1},
			patch.Key("e1", "Position"): patch.ComponentData{"x": 5},
		},
	})

	tracker.Drop(context.Background(), "doc-1", "client-a")

	if len(announced) != 1 {
		t.Fatalf("expected one cleanup announcement, got %d", len(announced))
	}
	cleanup := announced[0]
	if !cleanup[cursorKey].IsDeletion() {
		t.Fatalf("owned cursor should be deleted, got %v", cleanup)
	}
	if _, ok := cleanup[patch.Key("e1", "Position")]; ok {
		t.Fatal("document components must never be part of presence cleanup")
	}
}

func TestDropWithoutOwnedStateAnnouncesNothing(t *testing.T) {
	var announced int
	tracker := NewPresenceTracker(nil, presenceRegistry(), zerolog.Nop(),
		func(context.Context, string, string, patch.Patch) { announced++ })

	tracker.Drop(context.Background(), "doc-1", "client-a")
	if announced != 0 {
		t.Fatal("client without ephemeral state should not trigger cleanup")
	}
}

func TestClientDeletingItsCursorReleasesOwnership(t *testing.T) {
	var announced []patch.Patch
	tracker := NewPresenceTracker(nil, presenceRegistry(), zerolog.Nop(),
		func(_ context.Context, documentID, clientID string, p patch.Patch) {
			announced = append(announced, p)
		})

	cursorKey := patch.Key("client-a", "Cursor")
	ctx := context.Background()
	tracker.Observe(ctx, "doc-1", "client-a", []patch.Patch{
		{cursorKey: patch.ComponentData{patch.ExistsField: true, "x": 1}},
	})
	tracker.Observe(ctx, "doc-1", "client-a", []patch.Patch{
		{cursorKey: patch.Deletion()},
	})

	tracker.Drop(ctx, "doc-1", "client-a")
	if len(announced) != 0 {
		t.Fatalf("explicitly deleted cursor should not be cleaned up again, got %v", announced)
	}
}

func TestSweepWithoutRedisKeepsOwnership(t *testing.T) {
	tracker := NewPresenceTracker(nil, presenceRegistry(), zerolog.Nop(),
		func(context.Context, string, string, patch.Patch) {
			t.Fatal("sweep without redis must not expire anyone")
		})

	ctx := context.Background()
	tracker.Observe(ctx, "doc-1", "client-a", []patch.Patch{
		{patch.Key("client-a", "Cursor"): patch.ComponentData{patch.ExistsField: true}},
	})

	tracker.sweep(ctx)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.owned["doc-1"]["client-a"]) != 1 {
		t.Fatal("ownership should survive a sweep with no ttl backend")
	}
}

func TestObserveIgnoresIncompleteIdentity(t *testing.T) {
	tracker := NewPresenceTracker(nil, presenceRegistry(), zerolog.Nop(), nil)
	tracker.Observe(context.Background(), "", "client-a", []patch.Patch{
		{patch.Key("client-a", "Cursor"): patch.ComponentData{patch.ExistsField: true}},
	})
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.owned) != 0 {
		t.Fatal("observations without a document id must be ignored")
	}
}
