// Package router implements the event router: pattern-dispatched handler
// registry, correlation propagation, and log-then-ack emission.
package router

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/correlation"
	"github.com/ksi-project/ksid/internal/event"
	"github.com/ksi-project/ksid/internal/observability"
)

// Context is passed to every handler invocation.
type Context struct {
	context.Context
	Writer        io.Writer
	ClientID      string
	CorrelationID string
	EventName     string
	Emit          func(ctx context.Context, name string, data map[string]any) []map[string]any
}

// Handler processes one event and returns a result, or an error that the
// router turns into {"error": message}.
type Handler func(rctx *Context, data map[string]any) (map[string]any, error)

// HandlerOptions configures a single registration.
type HandlerOptions struct {
	// Timeout bounds this handler's execution; zero means the router's
	// DefaultTimeout applies.
	Timeout time.Duration
}

type registration struct {
	handler Handler
	options HandlerOptions
}

// EventLog is the subset of eventlog.Log the router depends on, so the
// router package does not import eventlog directly (avoids a cycle with
// eventlog's own use of payload references keyed by event name).
type EventLog interface {
	Append(entry LogEntry)
}

// LogEntry is the router's view of what gets appended to the event log.
type LogEntry struct {
	Event  *event.Event
	Status string
	Error  string
}

// Subscriber is a monitor:subscribe stream target.
type Subscriber struct {
	ID       string
	Writer   io.Writer
	Patterns []string
	mu       sync.Mutex
	dropped  int
	buffered int
}

// Router dispatches events to registered handlers by exact name, then by
// glob pattern, in registration order.
type Router struct {
	mu       sync.RWMutex
	exact    map[string][]registration
	globs    []globRegistration
	subs     map[string]*Subscriber
	correl   *correlation.Store
	log      EventLog
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	// DefaultTimeout bounds a handler invocation when neither the
	// registration nor the inbound context supplies one.
	DefaultTimeout time.Duration

	// MaxSubscriberBuffer is the number of buffered events a slow
	// monitor:subscribe writer tolerates before being dropped.
	MaxSubscriberBuffer int
}

type globRegistration struct {
	prefix string // pattern with trailing '*' stripped; "" matches everything
	reg    registration
}

// New constructs a Router. log, logger, metrics, tracer may be nil in
// tests that only exercise dispatch semantics.
func New(correl *correlation.Store, log EventLog, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Router {
	return &Router{
		exact:               make(map[string][]registration),
		subs:                make(map[string]*Subscriber),
		correl:              correl,
		log:                 log,
		logger:              logger,
		metrics:             metrics,
		tracer:              tracer,
		DefaultTimeout:      30 * time.Second,
		MaxSubscriberBuffer: 256,
	}
}

// Register adds a handler for an exact event name or a glob pattern
// ("ns:*" or "*"). Duplicate exact-name registrations accumulate; all are
// invoked on emit, in registration order.
func (r *Router) Register(pattern string, h Handler, opts ...HandlerOptions) {
	var o HandlerOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.Contains(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		r.globs = append(r.globs, globRegistration{prefix: prefix, reg: registration{handler: h, options: o}})
		return
	}
	r.exact[pattern] = append(r.exact[pattern], registration{handler: h, options: o})
}

// HasHandler reports whether any registration (exact or glob) would
// receive name; the transport uses it to distinguish "handled, returned
// nothing" from "unknown event".
func (r *Router) HasHandler(name string) bool {
	return len(r.matches(name)) > 0
}

// matches returns the handlers bound to name: exact matches first, then
// glob matches in registration order.
func (r *Router) matches(name string) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []registration
	out = append(out, r.exact[name]...)
	for _, g := range r.globs {
		if strings.HasPrefix(name, g.prefix) {
			out = append(out, g.reg)
		}
	}
	return out
}

// Emit dispatches name to every matching handler, logs the event before
// any handler result is observable by the caller, and returns all
// non-nil results in registration order.
func (r *Router) Emit(ctx context.Context, name string, data map[string]any, rctx *Context) []map[string]any {
	ev, rctx := r.prepare(ctx, name, data, rctx)
	r.recordEmission(ev)

	handlers := r.matches(name)
	results := make([]map[string]any, 0, len(handlers))
	var lastErr error
	for _, reg := range handlers {
		res, err := r.invoke(rctx, reg, data)
		if err != nil {
			lastErr = err
			results = append(results, errorResult(err))
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	r.closeTrace(ev, results, lastErr)
	r.publish(ev)
	return results
}

// EmitFirst dispatches like Emit but returns only the first non-nil
// result, short-circuiting remaining handlers.
func (r *Router) EmitFirst(ctx context.Context, name string, data map[string]any, rctx *Context) map[string]any {
	ev, rctx := r.prepare(ctx, name, data, rctx)
	r.recordEmission(ev)

	handlers := r.matches(name)
	var first map[string]any
	var lastErr error
	for _, reg := range handlers {
		res, err := r.invoke(rctx, reg, data)
		if err != nil {
			lastErr = err
			if first == nil {
				first = errorResult(err)
			}
			continue
		}
		if res != nil {
			first = res
			break
		}
	}
	r.closeTrace(ev, []map[string]any{first}, lastErr)
	r.publish(ev)
	return first
}

func (r *Router) prepare(ctx context.Context, name string, data map[string]any, rctx *Context) (*event.Event, *Context) {
	corrID, _ := data["correlation_id"].(string)
	if corrID == "" && rctx != nil {
		corrID = rctx.CorrelationID
	}
	var parent string
	if rctx != nil {
		parent = rctx.CorrelationID
	}
	if corrID == "" {
		corrID = uuid.NewString()
	}
	if r.correl != nil {
		r.correl.Begin(corrID, name, data, parentIfDistinct(corrID, parent))
	}

	ev := event.New(name, data)
	ev.CorrelationID = corrID

	if rctx == nil {
		rctx = &Context{Context: ctx}
	}
	rctx.Context = withEventMetadata(ctx, corrID, name)
	rctx.CorrelationID = corrID
	rctx.EventName = name
	rctx.Emit = func(innerCtx context.Context, innerName string, innerData map[string]any) []map[string]any {
		child := &Context{Context: innerCtx, Writer: rctx.Writer, ClientID: rctx.ClientID, CorrelationID: corrID}
		return r.Emit(innerCtx, innerName, innerData, child)
	}
	return ev, rctx
}

func parentIfDistinct(id, parent string) string {
	if parent == id {
		return ""
	}
	return parent
}

func withEventMetadata(ctx context.Context, corrID, name string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = observability.AddCorrelationID(ctx, corrID)
	return observability.AddEventName(ctx, name)
}

func (r *Router) recordEmission(ev *event.Event) {
	if r.log != nil {
		r.log.Append(LogEntry{Event: ev, Status: "received"})
	}
	if r.metrics != nil {
		r.metrics.EventRouted(ev.Name, "dispatched")
	}
	if r.logger != nil {
		r.logger.Debug(context.Background(), "event dispatched", "event_name", ev.Name, "correlation_id", ev.CorrelationID)
	}
}

func (r *Router) closeTrace(ev *event.Event, results []map[string]any, err error) {
	if r.correl == nil {
		return
	}
	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	var result any
	if len(results) == 1 {
		result = results[0]
	} else if len(results) > 1 {
		result = results
	}
	r.correl.End(ev.CorrelationID, result, errMsg)
}

// invoke runs one registered handler with a timeout derived from the
// registration, falling back to the router default. Panics are recovered
// and reported the same way an explicit error would be.
func (r *Router) invoke(rctx *Context, reg registration, data map[string]any) (result map[string]any, err error) {
	timeout := reg.options.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(rctx.Context, timeout)
	defer cancel()

	if r.tracer != nil {
		var end observability.EndSpan
		ctx, end = r.tracer.StartEvent(ctx, rctx.EventName, rctx.CorrelationID)
		defer func() { end(err) }()
	}

	callCtx := *rctx
	callCtx.Context = ctx

	type outcome struct {
		res map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		res, err := reg.handler(&callCtx, data)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			r.emitError(rctx, o.err)
		}
		return o.res, o.err
	case <-ctx.Done():
		err = fmt.Errorf("handler timeout: %w", ctx.Err())
		r.emitError(rctx, err)
		return nil, err
	}
}

func (r *Router) emitError(rctx *Context, err error) {
	if r.logger != nil {
		r.logger.Error(rctx.Context, "handler error", "event_name", rctx.EventName, "correlation_id", rctx.CorrelationID, "error", err.Error())
	}
	if r.log != nil {
		ev := event.New("system:error", map[string]any{"source_event": rctx.EventName, "error": err.Error()})
		ev.CorrelationID = rctx.CorrelationID
		r.log.Append(LogEntry{Event: ev, Status: "error", Error: err.Error()})
	}
}

// Subscribe registers a streaming writer for monitor:subscribe. Every
// event matching one of patterns (exact or glob, "*" suffix) is written
// to writer as a single JSON line by Publish.
func (r *Router) Subscribe(id string, writer io.Writer, patterns []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id] = &Subscriber{ID: id, Writer: writer, Patterns: patterns}
}

// Unsubscribe removes a monitor:subscribe stream.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

func subscriberMatches(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || p == name {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// publish fans ev out to subscribers whose pattern set matches; a
// subscriber that falls MaxSubscriberBuffer events behind is dropped.
func (r *Router) publish(ev *event.Event) {
	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	for _, s := range subs {
		if !subscriberMatches(s.Patterns, ev.Name) {
			continue
		}
		s.mu.Lock()
		if s.buffered >= r.MaxSubscriberBuffer {
			s.dropped++
			s.mu.Unlock()
			r.Unsubscribe(s.ID)
			continue
		}
		s.buffered++
		err := writeJSONLine(s.Writer, map[string]any{
			"event":          ev.Name,
			"data":           ev.Data,
			"timestamp":      ev.Timestamp,
			"correlation_id": ev.CorrelationID,
		})
		s.buffered--
		s.mu.Unlock()
		if err != nil {
			r.Unsubscribe(s.ID)
		}
	}
}
