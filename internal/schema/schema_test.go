package schema

import (
	"errors"
	"testing"

	"github.com/example/canvas-sync/internal/patch"
)

func TestBehaviorForResolvesByComponentName(t *testing.T) {
	r := NewRegistry(
		Component{Name: "Position", Behavior: SyncDocument},
		Component{Name: "Cursor", Behavior: SyncEphemeral},
		Component{Name: "Selection", Behavior: SyncNone},
	)

	cases := []struct {
		key  string
		want SyncBehavior
	}{
		{patch.Key("e1", "Position"), SyncDocument},
		{patch.Key("client-a", "Cursor"), SyncEphemeral},
		{patch.Key("e1", "Selection"), SyncNone},
		// Unknown components stay collaborative.
		{patch.Key("e1", "Rotation"), SyncDocument},
		// Singleton keys resolve through the bare component name.
		{"Cursor", SyncEphemeral},
		// Malformed keys never leave the session.
		{"", SyncNone},
		{"/Position", SyncNone},
	}
	for _, tc := range cases {
		if got := r.BehaviorFor(tc.key); got != tc.want {
			t.Errorf("BehaviorFor(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestMigrateIsIdentityAtCurrentVersion(t *testing.T) {
	r := NewRegistry(Component{
		Name:    "Position",
		Version: 3,
		Migrate: func(int, patch.ComponentData) (patch.ComponentData, error) {
			return nil, errors.New("must not be called")
		},
	})

	fields := patch.ComponentData{"x": 1}
	got, err := r.Migrate("Position", 3, fields)
	if err != nil {
		t.Fatalf("migrate at current version: %v", err)
	}
	if got["x"] != 1 {
		t.Fatalf("identity migration changed fields: %v", got)
	}
}

func TestMigrateRunsRegisteredHook(t *testing.T) {
	r := NewRegistry(Component{
		Name:    "Position",
		Version: 2,
		Migrate: func(fromVersion int, fields patch.ComponentData) (patch.ComponentData, error) {
			if fromVersion != 1 {
				t.Fatalf("unexpected source version %d", fromVersion)
			}
			return patch.ComponentData{"x": fields["posX"]}, nil
		},
	})

	got, err := r.Migrate("Position", 1, patch.ComponentData{"posX": 7})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if got["x"] != 7 {
		t.Fatalf("hook result lost: %v", got)
	}
}

func TestMigrateUnknownComponentFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Migrate("Ghost", 1, nil); err == nil {
		t.Fatal("unknown component should fail migration")
	}
}

func TestLaterDefinitionOverridesEarlier(t *testing.T) {
	r := NewRegistry(
		Component{Name: "Cursor", Version: 1, Behavior: SyncDocument},
		Component{Name: "Cursor", Version: 2, Behavior: SyncEphemeral},
	)
	c, ok := r.Lookup("Cursor")
	if !ok || c.Version != 2 || c.Behavior != SyncEphemeral {
		t.Fatalf("later definition should win: %+v", c)
	}
	if r.CurrentVersion("Cursor") != 2 {
		t.Fatalf("current version = %d", r.CurrentVersion("Cursor"))
	}
}
