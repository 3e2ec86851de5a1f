package patch

// Origin identifies which adapter produced a mutation. Every adapter switches
// over this closed set to decide whether to act on, ignore, or mirror a
// mutation it observes.
type Origin uint8

const (
	// OriginECS marks mutations produced by local edits against the world.
	OriginECS Origin = iota
	// OriginHistory marks mutations replayed by undo/redo.
	OriginHistory
	// OriginPersistence marks mutations loaded from the durable store.
	OriginPersistence
	// OriginWebsocket marks mutations received from the collaboration server.
	OriginWebsocket
)

func (o Origin) String() string {
	switch o {
	case OriginECS:
		return "ecs"
	case OriginHistory:
		return "history"
	case OriginPersistence:
		return "persistence"
	case OriginWebsocket:
		return "websocket"
	}
	return "unknown"
}

// Mutation is a patch tagged with the adapter that produced it. Mutations are
// transient: created and consumed within one synchronization tick.
type Mutation struct {
	Patch  Patch
	Origin Origin
}
