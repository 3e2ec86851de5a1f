package editor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/ecs"
	"github.com/example/canvas-sync/internal/history"
	"github.com/example/canvas-sync/internal/persist"
	"github.com/example/canvas-sync/internal/schema"
	"github.com/example/canvas-sync/internal/transport"
)

// SessionOptions assembles a full editing session. Zero values disable the
// optional adapters: an empty URL disables the transport, UsePersistence
// gates durable mirroring, EnableHistory gates undo.
type SessionOptions struct {
	DocumentID string
	ClientID   string
	URL        string

	Registry *schema.Registry
	World    ecs.World

	EnableHistory     bool
	InactivityTimeout time.Duration
	MaxCheckpoints    int

	UsePersistence bool
	StorePath      string

	StartOffline     bool
	EphemeralTimeout time.Duration
	Dialer           transport.Dialer

	Logger zerolog.Logger
}

// Session bundles the router with the adapters whose extra surface callers
// need (manual reconnect, document reset).
type Session struct {
	*EditorSync
	Transport   *transport.Adapter
	Persistence *persist.Adapter

	bolt *persist.BoltDB
}

// NewSession wires the standard adapter order: ECS first, then persistence,
// history, and the websocket transport.
func NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	logger := opts.Logger.With().Str("document", opts.DocumentID).Logger()
	world := opts.World
	if world == nil {
		world = ecs.NewMemoryWorld()
	}

	session := &Session{}
	adapters := []Adapter{ecs.NewAdapter(world, opts.Registry, logger)}

	var opener persist.StoreOpener
	if opts.UsePersistence {
		if opts.StorePath != "" {
			db, err := persist.OpenBolt(opts.StorePath)
			if err != nil {
				logger.Error().Err(err).Msg("durable store unavailable; session runs without persistence")
			} else {
				session.bolt = db
				opener = db.Opener()
			}
		} else {
			opener = persist.MemoryOpener()
		}
	}

	if opener != nil {
		session.Persistence = persist.NewAdapter(opts.Registry, logger)
		session.Persistence.Init(opener, opts.DocumentID)
		adapters = append(adapters, session.Persistence)
	}

	var hist *history.Engine
	if opts.EnableHistory {
		hist = history.NewEngine(history.Options{
			InactivityTimeout: opts.InactivityTimeout,
			MaxCheckpoints:    opts.MaxCheckpoints,
		}, logger)
		adapters = append(adapters, hist)
	}

	if opts.URL != "" {
		session.Transport = transport.NewAdapter(transport.Options{
			URL:              opts.URL,
			ClientID:         opts.ClientID,
			DocumentID:       opts.DocumentID,
			UsePersistence:   opts.UsePersistence,
			StartOffline:     opts.StartOffline,
			EphemeralTimeout: opts.EphemeralTimeout,
			Dialer:           opts.Dialer,
		}, opts.Registry, logger)
		if err := session.Transport.Init(ctx, opener); err != nil {
			for _, a := range adapters {
				_ = a.Close()
			}
			if session.bolt != nil {
				_ = session.bolt.Close()
			}
			return nil, err
		}
		adapters = append(adapters, session.Transport)
	}

	session.EditorSync = New(logger, hist, adapters...)
	return session, nil
}

// Close tears down the adapters and the shared durable store.
func (s *Session) Close() error {
	err := s.EditorSync.Close()
	if s.bolt != nil {
		if closeErr := s.bolt.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}
