package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// slowQuery is the duration above which a successful query is logged.
const slowQuery = 250 * time.Millisecond

const modulePrefix = "github.com/linnemanlabs/certguard/"

var queryObserver atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

type methodKey struct{}

type queryStateKey struct{}

// queryState carries what TraceQueryStart learned to TraceQueryEnd.
type queryState struct {
	sql    string
	start  time.Time
	caller string
}

// QueryObserver receives one observation per finished query. Main wires it to a
// Prometheus histogram.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver replaces the process-wide query observer. nil disables it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	if h := queryObserver.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// WithHTTPMethod stores the request method for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

// queryLabels returns the method and route labels for ctx. Queries issued outside
// a request (janitor sweeps, migrations) are labelled "background".
func queryLabels(ctx context.Context) (method, route string) {
	method, _ = ctx.Value(methodKey{}).(string)
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	if method == "" {
		method = "background"
	}
	if route == "" {
		route = "none"
	}
	return method, route
}

// queryTracer wraps otelpgx, tags its span with the issuing store method and
// reports durations to the observer.
type queryTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	st := &queryState{sql: data.SQL, start: time.Now(), caller: storeCaller()}
	if st.caller != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
	}
	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)

	if obs := getQueryObserver(); obs != nil {
		method, route := queryLabels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if data.Err == nil && dur < slowQuery {
		return
	}

	fields := []any{
		"db.statement", st.sql,
		"db.duration", dur.Seconds(),
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Warn(ctx, "slow db query", fields...)
}

// storeCaller returns the first certguard frame outside this package, which is the
// store method that issued the query.
func storeCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, modulePrefix) &&
			!strings.HasPrefix(fr.Function, modulePrefix+"internal/postgres.") {
			return shortenFuncName(fr.Function)
		}
		if !more {
			return ""
		}
	}
}

// shortenFuncName keeps the last package element's receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
