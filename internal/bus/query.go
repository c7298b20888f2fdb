package bus

import (
	"context"
	"reflect"
	"time"

	"github.com/danmuck/spine/internal/observability"
	"github.com/rs/zerolog/log"
)

// SendQuery runs every authorized handler of name and collapses their
// non-empty results: one result is returned as-is, otherwise a []any
// (possibly empty). It waits at most Config.QueryTimeout; on timeout the
// handlers' context is cancelled and an empty []any is returned.
// QueueInfoQuery is answered locally with a QueueInfo.
func (b *Bus) SendQuery(ctx context.Context, name string, args []any, opts ...CallOption) any {
	if name == QueueInfoQuery {
		return b.QueueInfo()
	}
	call := newCall(KindQuery, name, "", args, opts)
	entries := b.queries.Lookup(name)
	if len(entries) == 0 {
		return []any{}
	}

	qctx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	done := make(chan []any, 1)
	go func() {
		done <- b.runQuery(qctx, call, entries)
	}()

	timer := time.NewTimer(b.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case results := <-done:
		return collapse(results)
	case <-timer.C:
		observability.RecordQueryTimeout()
		log.Warn().
			Str("name", name).
			Dur("timeout", b.cfg.QueryTimeout).
			Msg("bus.Bus.SendQuery timed out")
		return []any{}
	case <-ctx.Done():
		return []any{}
	case <-b.ctx.Done():
		return []any{}
	}
}

func (b *Bus) runQuery(ctx context.Context, call Call, entries []HandlerEntry) []any {
	start := time.Now()
	defer func() {
		observability.RecordDispatch(KindQuery.String(), time.Since(start))
	}()
	var results []any
	for _, entry := range entries {
		if ctx.Err() != nil {
			return results
		}
		if !authorized(entry, call.Session) {
			continue
		}
		var out any
		err := b.invoke(call, entry, func() error {
			v, err := entry.query(ctx, call)
			out = v
			return err
		})
		if err != nil || isEmpty(out) {
			continue
		}
		results = append(results, out)
	}
	return results
}

func collapse(results []any) any {
	if len(results) == 1 {
		return results[0]
	}
	if results == nil {
		return []any{}
	}
	return results
}

// isEmpty treats nil and zero-length slices, maps and strings as no answer.
// Zero numbers and false are answers.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.String:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
