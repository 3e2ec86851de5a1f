package ecs

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/schema"
)

func newTestAdapter(t *testing.T) (*Adapter, *MemoryWorld) {
	t.Helper()
	world := NewMemoryWorld()
	a := NewAdapter(world, schema.NewRegistry(), zerolog.Nop())
	t.Cleanup(func() { a.Close() })
	return a, world
}

func TestPullCapturesLocalEdits(t *testing.T) {
	a, world := newTestAdapter(t)

	world.AddComponent("e1", "Position", patch.ComponentData{"x": 1, "y": 2})
	world.UpdateComponent("e1", "Position", patch.ComponentData{"x": 5})
	world.AddComponent("e1", "Fill", patch.ComponentData{"r": 255})
	world.RemoveComponent("e1", "Fill")

	muts := a.Pull()
	if len(muts) != 1 {
		t.Fatalf("expected one merged mutation, got %d", len(muts))
	}
	if muts[0].Origin != patch.OriginECS {
		t.Fatalf("unexpected origin %v", muts[0].Origin)
	}

	p := muts[0].Patch
	pos := p[patch.Key("e1", "Position")]
	if !pos.IsCreation() {
		t.Fatalf("add+update should merge into a creation, got %v", pos)
	}
	if pos["x"] != 5 || pos["y"] != 2 {
		t.Fatalf("merged fields wrong: %v", pos)
	}
	if !p[patch.Key("e1", "Fill")].IsDeletion() {
		t.Fatal("add followed by remove should merge into a deletion")
	}

	if a.Pull() != nil {
		t.Fatal("second pull should be empty")
	}
}

func TestPushAppliesRemotePatches(t *testing.T) {
	a, world := newTestAdapter(t)

	a.Push([]patch.Mutation{{
		Patch: patch.Patch{
			patch.Key("e1", "Position"): patch.ComponentData{patch.ExistsField: true, "x": 7},
		},
		Origin: patch.OriginWebsocket,
	}})

	data, ok := world.Component("e1", "Position")
	if !ok {
		t.Fatal("remote creation should add the component")
	}
	if data["x"] != 7 {
		t.Fatalf("unexpected data %v", data)
	}
	if _, ok := data[patch.ExistsField]; ok {
		t.Fatal("existence marker must not leak into world state")
	}

	a.Push([]patch.Mutation{{
		Patch:  patch.Patch{patch.Key("e1", "Position"): patch.Deletion()},
		Origin: patch.OriginWebsocket,
	}})
	if world.HasComponent("e1", "Position") {
		t.Fatal("remote deletion should remove the component")
	}
}

func TestPushedPatchesAreNotEchoedBack(t *testing.T) {
	a, _ := newTestAdapter(t)

	a.Push([]patch.Mutation{{
		Patch: patch.Patch{
			patch.Key("e1", "Position"): patch.ComponentData{patch.ExistsField: true, "x": 1},
		},
		Origin: patch.OriginPersistence,
	}})

	if muts := a.Pull(); muts != nil {
		t.Fatalf("applied patches must not reappear as local edits, got %v", muts)
	}
}

func TestPushSkipsECSOriginMutations(t *testing.T) {
	a, world := newTestAdapter(t)

	a.Push([]patch.Mutation{{
		Patch: patch.Patch{
			patch.Key("e1", "Position"): patch.ComponentData{patch.ExistsField: true, "x": 1},
		},
		Origin: patch.OriginECS,
	}})

	if world.HasComponent("e1", "Position") {
		t.Fatal("ECS-origin mutations must not be re-applied to the world")
	}
}

func TestUpdateAgainstMissingComponentIsSkipped(t *testing.T) {
	a, world := newTestAdapter(t)

	a.Push([]patch.Mutation{{
		Patch:  patch.Patch{patch.Key("ghost", "Position"): patch.ComponentData{"x": 1}},
		Origin: patch.OriginWebsocket,
	}})

	if world.HasComponent("ghost", "Position") {
		t.Fatal("partial update must not create a missing component")
	}
}

func TestSingletonComponentUsesBareKey(t *testing.T) {
	a, world := newTestAdapter(t)

	world.AddComponent("", "ViewportState", patch.ComponentData{"zoom": 1.5})

	muts := a.Pull()
	if len(muts) != 1 {
		t.Fatalf("expected one mutation, got %d", len(muts))
	}
	if _, ok := muts[0].Patch["ViewportState"]; !ok {
		t.Fatalf("singleton component should use bare merge key, got %v", muts[0].Patch)
	}

	a.Push([]patch.Mutation{{
		Patch:  patch.Patch{"ViewportState": patch.ComponentData{"zoom": 2.0}},
		Origin: patch.OriginWebsocket,
	}})
	data, _ := world.Component("", "ViewportState")
	if data["zoom"] != 2.0 {
		t.Fatalf("singleton update not applied: %v", data)
	}
}
