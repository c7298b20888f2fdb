package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/spine/internal/bus"
	"github.com/danmuck/spine/internal/observability"
	"github.com/danmuck/spine/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

func proxyKey(kind bus.Kind, route string) string {
	return "proxy:" + kind.String() + ":" + route
}

// installProxy registers a relay for a name announced by pc. Re-announcing the
// same name over the same connection is a no-op.
func (s *Spine) installProxy(pc *peerConn, kind bus.Kind, name, eventID string) error {
	err := s.registerProxy(pc, kind, name, eventID)
	if errors.Is(err, bus.ErrDuplicateHandler) {
		return nil
	}
	return err
}

func (s *Spine) registerProxy(pc *peerConn, kind bus.Kind, name, eventID string) error {
	opts := []bus.RegisterOption{bus.WithSource(pc.id)}
	switch kind {
	case bus.KindCommand:
		opts = append(opts, bus.WithKey(proxyKey(kind, name)))
		return s.bus.RegisterCommandHandler(name, s.commandProxy(pc), opts...)
	case bus.KindQuery:
		opts = append(opts, bus.WithKey(proxyKey(kind, name)))
		return s.bus.RegisterQueryHandler(name, s.queryProxy(pc), opts...)
	case bus.KindEvent:
		route := name
		if eventID != "" {
			route = name + "/" + eventID
		}
		opts = append(opts, bus.WithKey(proxyKey(kind, route)))
		return s.bus.RegisterEventHandler(name, eventID, s.eventProxy(pc), opts...)
	default:
		return ErrProtocol
	}
}

func (s *Spine) commandProxy(pc *peerConn) bus.CommandHandler {
	return func(_ context.Context, call bus.Call) error {
		if call.Origin.Remote() {
			return nil
		}
		return pc.send(wire.Command(call.Name, call.Args, toWireSession(call.Session), call.Scope))
	}
}

func (s *Spine) eventProxy(pc *peerConn) bus.EventHandler {
	return func(_ context.Context, call bus.Call) error {
		if call.Origin.Remote() {
			return nil
		}
		return pc.send(wire.Event(call.Name, call.EventID, call.Args, toWireSession(call.Session), call.Scope))
	}
}

// queryProxy forwards a query and waits for the matching response. A timeout
// or a dropped connection contributes no result.
func (s *Spine) queryProxy(pc *peerConn) bus.QueryHandler {
	return func(ctx context.Context, call bus.Call) (any, error) {
		if call.Origin.Remote() {
			return nil, nil
		}
		start := time.Now()
		id := s.corr.NextID()
		p := s.corr.Register(id, pc.id)
		if err := pc.send(wire.Query(id, call.Name, call.Args, toWireSession(call.Session), call.Scope)); err != nil {
			s.corr.forget(id)
			observability.RecordRemoteQuery("send_error", time.Since(start))
			return nil, err
		}
		resp, err := s.corr.Wait(ctx, p, s.cfg.RemoteQueryTimeout)
		switch {
		case err == nil:
			observability.RecordRemoteQuery("ok", time.Since(start))
			return resp, nil
		case errors.Is(err, ErrQueryTimeout):
			observability.RecordRemoteQuery("timeout", time.Since(start))
			log.Warn().
				Str("process_id", s.cfg.ProcessID).
				Str("peer", pc.processID).
				Str("name", call.Name).
				Str("query_id", id).
				Msg("mesh.Spine.queryProxy timed out")
			return nil, nil
		default:
			observability.RecordRemoteQuery("dropped", time.Since(start))
			return nil, nil
		}
	}
}

func toWireSession(s *bus.Session) *wire.Session {
	if s == nil {
		return nil
	}
	return &wire.Session{ID: s.ID, User: s.User, Groups: s.Groups}
}

func fromWireSession(s *wire.Session) *bus.Session {
	if s == nil {
		return nil
	}
	return &bus.Session{ID: s.ID, User: s.User, Groups: s.Groups}
}
