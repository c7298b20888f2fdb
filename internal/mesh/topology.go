package mesh

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/danmuck/spine/internal/bus"
	"github.com/danmuck/spine/internal/observability"
	"github.com/danmuck/spine/internal/protocol/schema"
	"github.com/danmuck/spine/internal/protocol/session"
	"github.com/danmuck/spine/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// rootLoop keeps a non-root process linked to the root, reconnecting on the
// configured backoff until ctx ends.
func (s *Spine) rootLoop(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		pc, err := s.dial(ctx, s.cfg.RootAddr, roleRoot)
		if err != nil {
			attempt++
			if ctx.Err() != nil {
				return
			}
			log.Warn().
				Str("process_id", s.cfg.ProcessID).
				Str("root", s.cfg.RootAddr).
				Int("attempt", attempt).
				Err(err).
				Msg("mesh.Spine.rootLoop connect failed")
			if err := session.SleepBackoff(ctx, s.cfg.Session.Backoff, attempt, nil); err != nil {
				return
			}
			continue
		}
		attempt = 0
		s.setRootConnected(true)
		log.Info().
			Str("process_id", s.cfg.ProcessID).
			Str("root", s.cfg.RootAddr).
			Str("root_process_id", pc.processID).
			Msg("mesh.Spine.rootLoop connected")
		s.serveConn(ctx, pc)
		s.setRootConnected(false)
		if ctx.Err() != nil {
			return
		}
		log.Warn().
			Str("process_id", s.cfg.ProcessID).
			Str("root", s.cfg.RootAddr).
			Msg("mesh.Spine.rootLoop lost root, reconnecting")
		if err := session.SleepBackoff(ctx, s.cfg.Session.Backoff, 1, nil); err != nil {
			return
		}
	}
}

// dialPeer links to another non-root process named in a processList.
func (s *Spine) dialPeer(ctx context.Context, address string) {
	defer s.releaseDial(address)
	pc, err := s.dial(ctx, address, rolePeer)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().
				Str("process_id", s.cfg.ProcessID).
				Str("peer", address).
				Err(err).
				Msg("mesh.Spine.dialPeer failed")
		}
		return
	}
	s.serveConn(ctx, pc)
}

// claimDial reserves address for one outbound connection. It refuses our own
// address and any address already dialed or connected.
func (s *Spine) claimDial(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" || address == s.advertise || address == s.cfg.RootAddr {
		return false
	}
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if _, ok := s.dialing[address]; ok {
		return false
	}
	s.dialing[address] = struct{}{}
	return true
}

func (s *Spine) releaseDial(address string) {
	s.dialMu.Lock()
	delete(s.dialing, address)
	s.dialMu.Unlock()
}

// serveConn owns pc until it disconnects: it greets the peer, reads messages
// and then removes everything the connection contributed.
func (s *Spine) serveConn(ctx context.Context, pc *peerConn) {
	if !s.admit(pc) {
		_ = pc.close()
		log.Info().
			Str("process_id", s.cfg.ProcessID).
			Str("peer", pc.processID).
			Str("role", string(pc.role)).
			Msg("mesh.Spine.serveConn duplicate link closed")
		return
	}
	s.conns.Set(pc.id, pc)
	observability.AddConnection(string(pc.role), 1)
	log.Info().
		Str("process_id", s.cfg.ProcessID).
		Str("conn_id", pc.id).
		Str("peer", pc.processID).
		Str("role", string(pc.role)).
		Msg("mesh.Spine.serveConn connected")
	defer s.dropConn(pc)

	// The greeting is built before the first read so a child's member list
	// never includes processes that registered after it connected.
	greeting := s.greeting(pc)
	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		s.greet(pc, greeting)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		m, err := pc.read()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				observability.RecordProtocolError("malformed")
				log.Warn().
					Str("process_id", s.cfg.ProcessID).
					Str("peer", pc.processID).
					Err(err).
					Msg("mesh.Spine.serveConn skipping malformed message")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Warn().
					Str("process_id", s.cfg.ProcessID).
					Str("peer", pc.processID).
					Err(err).
					Msg("mesh.Spine.serveConn read failed")
			}
			return
		}
		observability.RecordMessage("in", schema.Name(m.Type))
		if err := s.handleMessage(ctx, pc, m); err != nil {
			observability.RecordProtocolError("unexpected")
			log.Warn().
				Str("process_id", s.cfg.ProcessID).
				Str("peer", pc.processID).
				Str("type", m.TypeName()).
				Err(err).
				Msg("mesh.Spine.serveConn message rejected")
		}
	}
}

// admit refuses links to ourselves and a second link to a peer process we
// are already connected to.
func (s *Spine) admit(pc *peerConn) bool {
	if pc.processID == s.cfg.ProcessID {
		return false
	}
	if pc.role != rolePeer {
		return true
	}
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if _, ok := s.peerIDs[pc.processID]; ok {
		return false
	}
	s.peerIDs[pc.processID] = pc.id
	return true
}

func (s *Spine) release(pc *peerConn) {
	if pc.role != rolePeer {
		return
	}
	s.dialMu.Lock()
	if s.peerIDs[pc.processID] == pc.id {
		delete(s.peerIDs, pc.processID)
	}
	s.dialMu.Unlock()
}

// greeting is what a new connection needs: the member list when we are root
// and the peer is a child, our registration when the peer is root, and every
// name we can serve locally.
func (s *Spine) greeting(pc *peerConn) []wire.Message {
	var msgs []wire.Message
	switch pc.role {
	case roleChild:
		msgs = append(msgs, wire.ProcessList(s.members.Addresses()))
	case roleRoot:
		msgs = append(msgs, wire.RegisterProcess(s.advertise, s.cfg.ProcessID))
	}
	return append(msgs, s.coverage()...)
}

func (s *Spine) greet(pc *peerConn, msgs []wire.Message) {
	for _, m := range msgs {
		if err := pc.send(m); err != nil {
			log.Debug().
				Str("process_id", s.cfg.ProcessID).
				Str("peer", pc.processID).
				Err(err).
				Msg("mesh.Spine.greet send failed")
			return
		}
	}
}

// coverage announces every route with at least one non-proxy handler. Names
// served only by proxies are reachable by the peer through their owners.
func (s *Spine) coverage() []wire.Message {
	var out []wire.Message
	for _, r := range s.bus.Routes(bus.KindCommand) {
		if r.Local() {
			out = append(out, wire.RegisterCommandHandler(r.Name))
		}
	}
	for _, r := range s.bus.Routes(bus.KindQuery) {
		if r.Local() {
			out = append(out, wire.RegisterQueryHandler(r.Name))
		}
	}
	for _, r := range s.bus.Routes(bus.KindEvent) {
		if r.Local() {
			out = append(out, wire.RegisterEventHandler(r.Name, r.EventID))
		}
	}
	return out
}

func (s *Spine) dropConn(pc *peerConn) {
	_ = pc.close()
	s.conns.Del(pc.id)
	s.release(pc)
	observability.AddConnection(string(pc.role), -1)
	removed := s.bus.RemoveSource(pc.id)
	failed := s.corr.DropConn(pc.id)
	var forgotten []string
	if pc.role == roleChild {
		forgotten = s.members.DropConn(pc.id)
	}
	log.Info().
		Str("process_id", s.cfg.ProcessID).
		Str("conn_id", pc.id).
		Str("peer", pc.processID).
		Str("role", string(pc.role)).
		Int("handlers_removed", removed).
		Int("queries_failed", failed).
		Strs("members_removed", forgotten).
		Msg("mesh.Spine.dropConn disconnected")
}

func (s *Spine) handleMessage(ctx context.Context, pc *peerConn, m wire.Message) error {
	origin := bus.WithOrigin(bus.Origin{Kind: bus.OriginRemote, ConnID: pc.id})
	switch m.Type {
	case schema.MsgCommand:
		return s.bus.SendCommand(ctx, m.Name, m.Args,
			origin, bus.WithScope(m.Scope), bus.WithSession(fromWireSession(m.Session)))
	case schema.MsgEvent:
		return s.bus.TriggerEvent(ctx, m.Name, m.EventID, m.Args,
			origin, bus.WithScope(m.Scope), bus.WithSession(fromWireSession(m.Session)))
	case schema.MsgQuery:
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			resp := s.bus.SendQuery(ctx, m.Name, m.Args,
				origin, bus.WithScope(m.Scope), bus.WithSession(fromWireSession(m.Session)))
			if err := pc.send(wire.QueryResponse(m.QueryID, resp)); err != nil {
				log.Debug().
					Str("process_id", s.cfg.ProcessID).
					Str("query_id", m.QueryID).
					Err(err).
					Msg("mesh.Spine.handleMessage query response send failed")
			}
		}()
		return nil
	case schema.MsgQueryResponse:
		if !s.corr.Resolve(m.QueryID, m.Response) {
			log.Debug().
				Str("process_id", s.cfg.ProcessID).
				Str("query_id", m.QueryID).
				Msg("mesh.Spine.handleMessage late query response")
		}
		return nil
	case schema.MsgRegisterCommandHandler:
		return s.installProxy(pc, bus.KindCommand, m.Name, "")
	case schema.MsgRegisterQueryHandler:
		return s.installProxy(pc, bus.KindQuery, m.Name, "")
	case schema.MsgRegisterEventHandler:
		return s.installProxy(pc, bus.KindEvent, m.Name, m.EventID)
	case schema.MsgRegisterProcess:
		if !s.cfg.IsRoot || pc.role != roleChild {
			return ErrProtocol
		}
		earlier, added := s.members.Add(m.Address, m.ProcessID, pc.id)
		log.Info().
			Str("process_id", s.cfg.ProcessID).
			Str("member", m.Address).
			Str("member_process_id", m.ProcessID).
			Bool("new", added).
			Msg("mesh.Spine.handleMessage registered process")
		// Members that registered first may have been missing from the list
		// sent on accept. The later process always dials the earlier one.
		if len(earlier) == 0 {
			return nil
		}
		return pc.send(wire.ProcessList(earlier))
	case schema.MsgProcessList:
		if pc.role != roleRoot {
			return ErrProtocol
		}
		for _, address := range m.List {
			if !s.claimDial(address) {
				continue
			}
			s.connWG.Add(1)
			go func(address string) {
				defer s.connWG.Done()
				s.dialPeer(ctx, address)
			}(address)
		}
		return nil
	default:
		return ErrProtocol
	}
}

// LinkCommand announces a new local command handler to every connection.
func (s *Spine) LinkCommand(name string) {
	s.broadcast(wire.RegisterCommandHandler(name))
}

func (s *Spine) LinkQuery(name string) {
	s.broadcast(wire.RegisterQueryHandler(name))
}

func (s *Spine) LinkEvent(name, eventID string) {
	s.broadcast(wire.RegisterEventHandler(name, eventID))
}

func (s *Spine) broadcast(m wire.Message) {
	s.conns.ForEach(func(_ string, pc *peerConn) bool {
		if err := pc.send(m); err != nil {
			log.Debug().
				Str("process_id", s.cfg.ProcessID).
				Str("peer", pc.processID).
				Str("type", m.TypeName()).
				Err(err).
				Msg("mesh.Spine.broadcast send failed")
		}
		return true
	})
}
