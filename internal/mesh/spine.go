package mesh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/danmuck/spine/internal/bus"
	"github.com/danmuck/spine/internal/observability"
	"github.com/danmuck/spine/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrProcessIDRequired = errors.New("mesh: process id required")
	ErrRootAddrRequired  = errors.New("mesh: root address required")
	ErrAlreadyStarted    = errors.New("mesh: already started")
	ErrQueryTimeout      = errors.New("mesh: remote query timed out")
	ErrConnClosed        = errors.New("mesh: connection closed")
	ErrProtocol          = errors.New("mesh: protocol error")
)

// Config describes one process's place in the mesh.
type Config struct {
	ProcessID string
	// ListenAddr is where this process accepts peers. A root with no
	// ListenAddr listens on RootAddr.
	ListenAddr string
	// AdvertiseAddr is the address other processes dial. Defaults to the
	// bound listener address.
	AdvertiseAddr string
	RootAddr      string
	IsRoot        bool

	RemoteQueryTimeout time.Duration
	Session            session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:         "127.0.0.1:0",
		RemoteQueryTimeout: 5 * time.Second,
		Session:            session.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	c.ProcessID = strings.TrimSpace(c.ProcessID)
	c.RootAddr = strings.TrimSpace(c.RootAddr)
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		if c.IsRoot && c.RootAddr != "" {
			c.ListenAddr = c.RootAddr
		} else {
			c.ListenAddr = def.ListenAddr
		}
	}
	if c.RemoteQueryTimeout <= 0 {
		c.RemoteQueryTimeout = def.RemoteQueryTimeout
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.ProcessID == "" {
		return ErrProcessIDRequired
	}
	if !c.IsRoot && c.RootAddr == "" {
		return ErrRootAddrRequired
	}
	return c.Session.Validate()
}

// Spine links a local bus to other processes.
type Spine struct {
	cfg   Config
	bus   *bus.Bus
	token string
	corr  *correlator

	conns *haxmap.Map[string, *peerConn]

	// dialMu guards dialing (outbound peer addresses in use) and peerIDs
	// (peer process id to connection id).
	dialMu  sync.Mutex
	dialing map[string]struct{}
	peerIDs map[string]string

	members *membership

	ln        net.Listener
	advertise string

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	connWG    sync.WaitGroup
	startOnce sync.Once
	started   bool
	closeOnce sync.Once
	closeErr  error

	rootMu        sync.Mutex
	rootConnected bool
}

// New validates cfg and binds a spine to b. Nothing is opened until Start.
func New(b *bus.Bus, cfg Config) (*Spine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	return &Spine{
		cfg:     cfg,
		bus:     b,
		token:   token,
		corr:    newCorrelator(token),
		conns:   haxmap.New[string, *peerConn](),
		dialing: make(map[string]struct{}),
		peerIDs: make(map[string]string),
		members: newMembership(),
	}, nil
}

// ProcessID returns the id this process announces to its peers.
func (s *Spine) ProcessID() string { return s.cfg.ProcessID }

// IsRoot reports whether this process accepts registrations from the mesh.
func (s *Spine) IsRoot() bool { return s.cfg.IsRoot }

// Addr returns the advertised address, empty before Start.
func (s *Spine) Addr() string { return s.advertise }

// Start binds the listener, links the bus and launches the accept loop and,
// for non-root processes, the root connection loop.
func (s *Spine) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	s.startOnce.Do(func() {
		err = s.start(ctx)
	})
	return err
}

func (s *Spine) start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("mesh: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.advertise = strings.TrimSpace(s.cfg.AdvertiseAddr)
	if s.advertise == "" {
		s.advertise = ln.Addr().String()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, _ = errgroup.WithContext(s.ctx)
	s.started = true

	s.bus.AddLinkedSpine(s)
	s.group.Go(func() error {
		return s.serve(s.ctx, ln)
	})
	if !s.cfg.IsRoot {
		s.group.Go(func() error {
			s.rootLoop(s.ctx)
			return nil
		})
	}
	log.Info().
		Str("process_id", s.cfg.ProcessID).
		Str("addr", s.advertise).
		Bool("root", s.cfg.IsRoot).
		Msg("mesh.Spine.Start listening")
	return nil
}

// Run starts the spine and blocks until ctx is done, then closes it.
func (s *Spine) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-s.ctx.Done()
	return s.Close()
}

// Close stops accepting, drops every connection and waits for all goroutines.
func (s *Spine) Close() error {
	s.closeOnce.Do(func() {
		if !s.started {
			return
		}
		s.cancel()
		var errs error
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
		s.conns.ForEach(func(_ string, pc *peerConn) bool {
			if err := pc.close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = multierr.Append(errs, err)
			}
			return true
		})
		errs = multierr.Append(errs, s.group.Wait())
		s.connWG.Wait()
		s.closeErr = errs
		log.Info().Str("process_id", s.cfg.ProcessID).Msg("mesh.Spine.Close stopped")
	})
	return s.closeErr
}

// accept loop for inbound processes on an existing listener.
func (s *Spine) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		role := rolePeer
		if s.cfg.IsRoot {
			role = roleChild
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			pc, err := s.establish(conn, role, "")
			if err != nil {
				return
			}
			s.serveConn(ctx, pc)
		}()
	}
}

// dial opens and authenticates an outbound connection.
func (s *Spine) dial(ctx context.Context, address string, role connRole) (*peerConn, error) {
	dialer := net.Dialer{Timeout: s.cfg.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return s.establish(conn, role, address)
}

// establish runs the handshake on a fresh socket. The socket is closed on failure.
func (s *Spine) establish(conn net.Conn, role connRole, address string) (*peerConn, error) {
	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	peer, err := session.Handshake(reader, conn, s.cfg.Session.Secret, s.cfg.ProcessID)
	if err != nil {
		_ = conn.Close()
		observability.RecordProtocolError("handshake")
		log.Warn().
			Str("process_id", s.cfg.ProcessID).
			Str("remote", remote).
			Err(err).
			Msg("mesh.Spine.establish handshake failed")
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.Warn().Err(err).Msg("mesh.Spine.establish clear deadline")
	}
	return &peerConn{
		id:           uuid.NewString(),
		processID:    peer.ProcessID,
		address:      address,
		role:         role,
		connectedAt:  time.Now(),
		conn:         conn,
		reader:       reader,
		writeTimeout: s.cfg.Session.WriteTimeout,
	}, nil
}

// Peers lists live connections.
func (s *Spine) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, s.conns.Len())
	s.conns.ForEach(func(_ string, pc *peerConn) bool {
		out = append(out, pc.info())
		return true
	})
	return out
}

// Members lists processes registered with this root.
func (s *Spine) Members() []ProcessRecord {
	return s.members.Snapshot()
}

// Ready reports whether a non-root process currently holds its root link.
// A root is always ready once started.
func (s *Spine) Ready() bool {
	if s.cfg.IsRoot {
		return s.started
	}
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	return s.rootConnected
}

func (s *Spine) setRootConnected(v bool) {
	s.rootMu.Lock()
	s.rootConnected = v
	s.rootMu.Unlock()
}
