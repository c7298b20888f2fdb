package bus

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"
)

var (
	ErrClosed     = errors.New("bus: closed")
	ErrQueueFull  = errors.New("bus: queue full")
	ErrEmptyName  = errors.New("bus: name required")
	ErrNilHandler = errors.New("bus: nil handler")

	// ErrDuplicateHandler reports a registration whose name and key are
	// already bound. The existing entry is kept.
	ErrDuplicateHandler = errors.New("bus: handler already registered")
)

// Kind names the three message kinds the bus routes.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindQuery
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// OriginKind tells a handler whether a dispatch started in this process.
type OriginKind uint8

const (
	OriginLocal OriginKind = iota
	OriginRemote
)

// Origin marks where a dispatch entered the bus. Remote dispatches carry the
// id of the connection they arrived on.
type Origin struct {
	Kind   OriginKind
	ConnID string
}

func (o Origin) Remote() bool { return o.Kind == OriginRemote }

// Scope values carried with every dispatch.
const (
	ScopeGlobal  = "global"
	ScopeProcess = "process"
)

// Session is the caller identity used for group authorization.
type Session struct {
	ID     string
	User   string
	Groups []string
}

// Call is the context every handler receives.
type Call struct {
	Kind    Kind
	Name    string
	EventID string
	Args    []any
	Scope   string
	Session *Session
	Origin  Origin
}

type (
	CommandHandler func(ctx context.Context, call Call) error
	QueryHandler   func(ctx context.Context, call Call) (any, error)
	EventHandler   func(ctx context.Context, call Call) error
)

// HandlerEntry is one registration. Source is empty for local handlers and the
// owning connection id for proxies. EventID is set only for event handlers
// bound to a single event source.
type HandlerEntry struct {
	Name           string
	EventID        string
	Key            string
	RequiredGroups []string
	Source         string

	command CommandHandler
	query   QueryHandler
	event   EventHandler
}

// Proxy reports whether the entry relays to a remote process.
func (e HandlerEntry) Proxy() bool { return e.Source != "" }

// Route is the registry key: the name, or name/eventID for a bound event handler.
func (e HandlerEntry) Route() string {
	return route(e.Name, e.EventID)
}

func route(name, eventID string) string {
	if eventID == "" {
		return name
	}
	return name + "/" + eventID
}

func (e HandlerEntry) identity() entryID {
	return entryID{key: e.Key, source: e.Source}
}

type entryID struct {
	key    string
	source string
}

type registerOptions struct {
	groups []string
	key    string
	source string
}

// RegisterOption customizes a handler registration.
type RegisterOption func(*registerOptions)

// WithGroups restricts the handler to sessions in at least one of groups.
func WithGroups(groups ...string) RegisterOption {
	return func(o *registerOptions) {
		o.groups = append(o.groups, groups...)
	}
}

// WithKey overrides the identity used for idempotent registration. The
// default key is the function's code address, which closures built in a loop
// and method values of one method on different receivers share. Those need
// distinct keys or the second registration fails with ErrDuplicateHandler.
func WithKey(key string) RegisterOption {
	return func(o *registerOptions) {
		o.key = key
	}
}

// WithSource tags the registration with the connection that owns it.
// Only the mesh layer uses this.
func WithSource(source string) RegisterOption {
	return func(o *registerOptions) {
		o.source = source
	}
}

type callOptions struct {
	scope   string
	session *Session
	origin  Origin
}

// CallOption customizes one dispatch.
type CallOption func(*callOptions)

func WithScope(scope string) CallOption {
	return func(o *callOptions) {
		o.scope = scope
	}
}

func WithSession(s *Session) CallOption {
	return func(o *callOptions) {
		o.session = s
	}
}

// WithOrigin marks a dispatch re-injected from a connection.
func WithOrigin(origin Origin) CallOption {
	return func(o *callOptions) {
		o.origin = origin
	}
}

func applyCallOptions(opts []CallOption) callOptions {
	o := callOptions{scope: ScopeGlobal}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if strings.TrimSpace(o.scope) == "" {
		o.scope = ScopeGlobal
	}
	return o
}

func buildEntry(name string, fn any, opts []RegisterOption) HandlerEntry {
	o := registerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	key := o.key
	if key == "" {
		key = funcKey(fn)
	}
	return HandlerEntry{
		Name:           name,
		Key:            key,
		RequiredGroups: dedupeStrings(o.groups),
		Source:         o.source,
	}
}

func funcKey(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	return "fn:" + strconv.FormatUint(uint64(v.Pointer()), 16)
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
