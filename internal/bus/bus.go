package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/spine/internal/observability"
	"github.com/rs/zerolog/log"
)

// QueueInfoQuery is the built-in query answering with the current queue depths.
// It is answered by the bus itself, never registered, so peers do not relay it.
const QueueInfoQuery = "getQueueInfo"

// Config holds local dispatch limits.
type Config struct {
	// QueryTimeout bounds how long SendQuery waits for handlers.
	QueryTimeout time.Duration
	// QueueSize caps each queue; zero means unbounded.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		QueryTimeout: 5 * time.Second,
		QueueSize:    4096,
	}
}

// Linker is told about every local registration so it can announce the name
// to linked processes.
type Linker interface {
	LinkCommand(name string)
	LinkQuery(name string)
	LinkEvent(name, eventID string)
}

// QueueInfo is the answer to QueueInfoQuery.
type QueueInfo struct {
	Commands int `cbor:"commands" json:"commands"`
	Events   int `cbor:"events" json:"events"`
}

// Route summarizes one registry key for coverage checks and introspection.
type Route struct {
	Name    string `json:"name"`
	EventID string `json:"event_id,omitempty"`
	Proxies int    `json:"proxies"`
	Total   int    `json:"total"`
}

// Local reports whether at least one handler for the route lives in this process.
func (r Route) Local() bool { return r.Proxies < r.Total }

// Bus is the in-process dispatcher for commands, queries and events.
type Bus struct {
	cfg Config

	commands *Registry
	queries  *Registry
	events   *Registry

	commandQueue *queue
	eventQueue   *queue

	linkMu  sync.RWMutex
	linkers []Linker

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a bus. Queued work is held until Start.
func New(cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:          cfg,
		commands:     NewRegistry(),
		queries:      NewRegistry(),
		events:       NewRegistry(),
		commandQueue: newQueue("commands", cfg.QueueSize),
		eventQueue:   newQueue("events", cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
	return b
}

// Start launches the command and event workers. Calling it again is a no-op.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(2)
		go func() {
			defer b.wg.Done()
			b.commandQueue.run(b.ctx, b.dispatchCommand)
		}()
		go func() {
			defer b.wg.Done()
			b.eventQueue.run(b.ctx, b.dispatchEvent)
		}()
		log.Debug().Msg("bus.Bus.Start workers running")
	})
}

// Close stops both workers after their current item and rejects new sends.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.commandQueue.close()
		b.eventQueue.close()
		b.cancel()
		b.wg.Wait()
		log.Debug().Msg("bus.Bus.Close stopped")
	})
	return nil
}

// AddLinkedSpine subscribes l to future local registrations.
func (b *Bus) AddLinkedSpine(l Linker) {
	if l == nil {
		return
	}
	b.linkMu.Lock()
	b.linkers = append(b.linkers, l)
	b.linkMu.Unlock()
}

func (b *Bus) linked() []Linker {
	b.linkMu.RLock()
	defer b.linkMu.RUnlock()
	out := make([]Linker, len(b.linkers))
	copy(out, b.linkers)
	return out
}

func (b *Bus) RegisterCommandHandler(name string, fn CommandHandler, opts ...RegisterOption) error {
	if err := checkRegistration(name, fn == nil); err != nil {
		return err
	}
	entry := buildEntry(name, fn, opts)
	entry.command = fn
	if !b.commands.Register(entry) {
		return duplicate(entry)
	}
	log.Debug().Str("name", name).Str("source", entry.Source).Msg("bus.Bus.RegisterCommandHandler")
	if !entry.Proxy() {
		for _, l := range b.linked() {
			l.LinkCommand(name)
		}
	}
	return nil
}

func (b *Bus) RegisterQueryHandler(name string, fn QueryHandler, opts ...RegisterOption) error {
	if err := checkRegistration(name, fn == nil); err != nil {
		return err
	}
	entry := buildEntry(name, fn, opts)
	entry.query = fn
	if !b.queries.Register(entry) {
		return duplicate(entry)
	}
	log.Debug().Str("name", name).Str("source", entry.Source).Msg("bus.Bus.RegisterQueryHandler")
	if !entry.Proxy() {
		for _, l := range b.linked() {
			l.LinkQuery(name)
		}
	}
	return nil
}

// RegisterEventHandler binds fn to every trigger of name, or only to triggers
// from eventID when it is non-empty.
func (b *Bus) RegisterEventHandler(name, eventID string, fn EventHandler, opts ...RegisterOption) error {
	if err := checkRegistration(name, fn == nil); err != nil {
		return err
	}
	entry := buildEntry(name, fn, opts)
	entry.EventID = eventID
	entry.event = fn
	if !b.events.Register(entry) {
		return duplicate(entry)
	}
	log.Debug().
		Str("name", name).
		Str("event_id", eventID).
		Str("source", entry.Source).
		Msg("bus.Bus.RegisterEventHandler")
	if !entry.Proxy() {
		for _, l := range b.linked() {
			l.LinkEvent(name, eventID)
		}
	}
	return nil
}

func duplicate(entry HandlerEntry) error {
	return fmt.Errorf("%w: route=%q key=%q source=%q", ErrDuplicateHandler, entry.Route(), entry.Key, entry.Source)
}

func checkRegistration(name string, nilHandler bool) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if nilHandler {
		return ErrNilHandler
	}
	return nil
}

// SendCommand enqueues a command for every handler registered under name.
func (b *Bus) SendCommand(ctx context.Context, name string, args []any, opts ...CallOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.commandQueue.push(newCall(KindCommand, name, "", args, opts))
}

// TriggerEvent enqueues an event for handlers of name and of name/eventID.
func (b *Bus) TriggerEvent(ctx context.Context, name, eventID string, args []any, opts ...CallOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.eventQueue.push(newCall(KindEvent, name, eventID, args, opts))
}

func newCall(kind Kind, name, eventID string, args []any, opts []CallOption) Call {
	o := applyCallOptions(opts)
	if args == nil {
		args = []any{}
	}
	return Call{
		Kind:    kind,
		Name:    name,
		EventID: eventID,
		Args:    args,
		Scope:   o.scope,
		Session: o.session,
		Origin:  o.origin,
	}
}

// RemoveSource drops every handler owned by source from all three registries.
func (b *Bus) RemoveSource(source string) int {
	n := b.commands.RemoveSource(source) + b.queries.RemoveSource(source) + b.events.RemoveSource(source)
	if n > 0 {
		log.Debug().Str("source", source).Int("removed", n).Msg("bus.Bus.RemoveSource")
	}
	return n
}

// Handlers returns a copy of the entries for kind under name (or name/eventID).
func (b *Bus) Handlers(kind Kind, name, eventID string) []HandlerEntry {
	reg := b.registry(kind)
	if reg == nil {
		return nil
	}
	return reg.Lookup(route(name, eventID))
}

// Routes lists every registered route of kind with its proxy coverage.
func (b *Bus) Routes(kind Kind) []Route {
	reg := b.registry(kind)
	if reg == nil {
		return nil
	}
	keys := reg.Names()
	out := make([]Route, 0, len(keys))
	for _, key := range keys {
		entries := reg.Lookup(key)
		if len(entries) == 0 {
			continue
		}
		r := Route{Name: entries[0].Name, EventID: entries[0].EventID, Total: len(entries)}
		for _, e := range entries {
			if e.Proxy() {
				r.Proxies++
			}
		}
		out = append(out, r)
	}
	return out
}

func (b *Bus) registry(kind Kind) *Registry {
	switch kind {
	case KindCommand:
		return b.commands
	case KindQuery:
		return b.queries
	case KindEvent:
		return b.events
	default:
		return nil
	}
}

// QueueInfo reports the current depth of both queues.
func (b *Bus) QueueInfo() QueueInfo {
	return QueueInfo{Commands: b.commandQueue.Len(), Events: b.eventQueue.Len()}
}

func (b *Bus) dispatchCommand(ctx context.Context, call Call) {
	start := time.Now()
	for _, entry := range b.commands.Lookup(call.Name) {
		if !authorized(entry, call.Session) {
			continue
		}
		b.invoke(call, entry, func() error { return entry.command(ctx, call) })
	}
	observability.RecordDispatch(KindCommand.String(), time.Since(start))
}

func (b *Bus) dispatchEvent(ctx context.Context, call Call) {
	start := time.Now()
	fired := make(map[string]struct{})
	fire := func(entries []HandlerEntry) {
		for _, entry := range entries {
			if !authorized(entry, call.Session) {
				continue
			}
			if entry.Proxy() {
				if _, ok := fired[entry.Source]; ok {
					continue
				}
				fired[entry.Source] = struct{}{}
			}
			b.invoke(call, entry, func() error { return entry.event(ctx, call) })
		}
	}
	fire(b.events.Lookup(call.Name))
	if call.EventID != "" {
		fire(b.events.Lookup(route(call.Name, call.EventID)))
	}
	observability.RecordDispatch(KindEvent.String(), time.Since(start))
}

// invoke runs one handler, containing its error or panic.
func (b *Bus) invoke(call Call, entry HandlerEntry, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			observability.RecordHandlerCall(call.Kind.String(), "panic")
			log.Error().
				Str("kind", call.Kind.String()).
				Str("name", call.Name).
				Str("key", entry.Key).
				Interface("panic", r).
				Msg("bus.Bus.invoke handler panic")
		}
	}()
	if err = fn(); err != nil {
		observability.RecordHandlerCall(call.Kind.String(), "error")
		log.Warn().
			Str("kind", call.Kind.String()).
			Str("name", call.Name).
			Str("key", entry.Key).
			Err(err).
			Msg("bus.Bus.invoke handler failed")
		return err
	}
	observability.RecordHandlerCall(call.Kind.String(), "ok")
	return nil
}
