package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rillflow/rill/internal/chain"
	"github.com/rillflow/rill/internal/event"
	"github.com/rillflow/rill/internal/pattern"
	"github.com/rillflow/rill/internal/sched"
	"github.com/rillflow/rill/internal/sink"
	"github.com/rillflow/rill/internal/window"
)

// ErrUnknownStream is returned by ingress for an undeclared stream id.
var ErrUnknownStream = errors.New("unknown stream")

// ErrUnknownQuery is returned for operations on an unregistered query.
var ErrUnknownQuery = errors.New("unknown query")

// ErrClosed is returned once the engine has been shut down.
var ErrClosed = errors.New("engine closed")

// WindowKind selects the window stage variant.
type WindowKind int

const (
	WindowLength WindowKind = iota + 1
	WindowTime
)

// WindowSpec configures one window stage of a query.
type WindowSpec struct {
	Kind     WindowKind
	Length   int           // WindowLength: capacity K
	Duration time.Duration // WindowTime: span D
}

// StreamStages configures the per-input-stream stage prefix of a
// query: an optional filter followed by its windows, in order.
type StreamStages struct {
	Filter  chain.Predicate
	Windows []WindowSpec
}

// QuerySpec is the compiled query plan the engine consumes: per-stream
// filter/window stages plus an optional pattern plan terminating the
// chains. A spec without a plan is a window-only query whose stage
// outputs reach the sinks directly.
type QuerySpec struct {
	ID        string
	Stages    map[string]StreamStages
	Plan      *pattern.Plan
	Streams   []string // extra input streams beyond Stages/Plan
	HighWater int      // partial-match warning threshold; 0 = default
}

type streamEntry struct {
	schema *event.Schema
	routes []*route
}

type route struct {
	q *query
	c *chain.Chain
}

// query is one registered query instance: its per-stream chains, the
// shared matcher (if any), background expiry plumbing, and sinks.
type query struct {
	id string

	// mu is the query's serialization point. Every stage invocation -
	// ingress propagation or expiry-driven retraction - runs under it.
	mu      sync.Mutex
	chains  map[string]*chain.Chain
	matcher *pattern.Matcher
	removed bool

	timeWindows []*window.Time
	negQueue    *sched.TimedQueue[uint64]
	cancel      context.CancelFunc

	sinkMu sync.RWMutex
	sinks  []sink.Sink
}

// Engine is an explicitly constructed runtime instance owning the
// mapping from stream id to subscribed chains and from query id to
// matcher/window state. There is no process-wide registry; construct
// with New, tear down with Close.
type Engine struct {
	mu      sync.RWMutex
	streams map[string]*streamEntry
	queries map[string]*query
	closed  bool

	clock  *Clock
	tokens TokenGenerator
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTokenGenerator overrides the propagation token source (tests use
// FixedGenerator).
func WithTokenGenerator(g TokenGenerator) EngineOption {
	return func(e *Engine) { e.tokens = g }
}

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// New creates an empty engine.
func New(opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		streams: make(map[string]*streamEntry),
		queries: make(map[string]*query),
		clock:   NewClock(),
		tokens:  UUIDv7Generator{},
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefineStream registers a stream schema. Rejects duplicates.
func (e *Engine) DefineStream(schema *event.Schema) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, dup := e.streams[schema.Stream]; dup {
		return fmt.Errorf("stream %s already defined", schema.Stream)
	}
	e.streams[schema.Stream] = &streamEntry{schema: schema}
	e.logger.Info("stream defined", "stream", schema.Stream, "arity", schema.Arity())
	return nil
}

// Schema returns the declared schema for a stream.
func (e *Engine) Schema(stream string) (*event.Schema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.streams[event.CanonicalName(stream)]
	if !ok {
		return nil, false
	}
	return entry.schema, true
}

// AddQuery compiles a query spec, builds its per-stream chains, and
// subscribes them to the input streams. Starts the expiry consumers
// the query needs (time windows, timed negation).
func (e *Engine) AddQuery(spec QuerySpec) error {
	if spec.ID == "" {
		return errors.New("query has no id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, dup := e.queries[spec.ID]; dup {
		return fmt.Errorf("query %s already registered", spec.ID)
	}

	inputs := e.inputStreams(spec)
	if len(inputs) == 0 {
		return fmt.Errorf("query %s has no input streams", spec.ID)
	}
	for _, stream := range inputs {
		if _, ok := e.streams[stream]; !ok {
			return fmt.Errorf("query %s: %w: %s", spec.ID, ErrUnknownStream, stream)
		}
	}

	qctx, qcancel := context.WithCancel(e.ctx)
	q := &query{
		id:     spec.ID,
		chains: make(map[string]*chain.Chain, len(inputs)),
		cancel: qcancel,
	}

	if spec.Plan != nil {
		schemas := make(map[string]*event.Schema, len(e.streams))
		for name, entry := range e.streams {
			schemas[name] = entry.schema
		}
		opts := []pattern.Option{}
		if spec.HighWater > 0 {
			opts = append(opts, pattern.WithHighWater(spec.HighWater))
		}
		if spec.Plan.Within > 0 {
			q.negQueue = sched.NewTimedQueue[uint64]()
			neg := q.negQueue
			opts = append(opts, pattern.WithScheduler(func(id uint64, deadline time.Time) {
				neg.Put(id, deadline)
			}))
		}
		m, err := pattern.NewMatcher(spec.Plan, schemas, opts...)
		if err != nil {
			qcancel()
			return fmt.Errorf("query %s: %w", spec.ID, err)
		}
		q.matcher = m
	}

	// One chain per input stream: filter, windows, then the shared
	// matcher stage. A time window remembers its stage position so the
	// expiry consumer can inject retractions downstream of it.
	type timedStage struct {
		w   *window.Time
		c   *chain.Chain
		pos int
	}
	var timed []timedStage

	for _, stream := range inputs {
		var stages []chain.Stage
		cfg := spec.Stages[stream]
		if cfg.Filter != nil {
			stages = append(stages, chain.NewFilter(
				fmt.Sprintf("filter[%s/%s]", spec.ID, stream), cfg.Filter))
		}
		var timedHere []*window.Time
		for i, ws := range cfg.Windows {
			name := fmt.Sprintf("window[%s/%s/%d]", spec.ID, stream, i)
			switch ws.Kind {
			case WindowLength:
				w, err := window.NewLength(name, ws.Length)
				if err != nil {
					qcancel()
					return fmt.Errorf("query %s: %w", spec.ID, err)
				}
				stages = append(stages, w)
			case WindowTime:
				w, err := window.NewTime(name, ws.Duration)
				if err != nil {
					qcancel()
					return fmt.Errorf("query %s: %w", spec.ID, err)
				}
				stages = append(stages, w)
				timedHere = append(timedHere, w)
				q.timeWindows = append(q.timeWindows, w)
			default:
				qcancel()
				return fmt.Errorf("query %s: invalid window kind on stream %s", spec.ID, stream)
			}
		}
		if q.matcher != nil && spec.Plan.Streams()[stream] {
			stages = append(stages, q.matcher)
		}
		c := chain.New(stages...)
		q.chains[stream] = c

		for _, w := range timedHere {
			for pos, st := range c.Stages() {
				if st == chain.Stage(w) {
					timed = append(timed, timedStage{w: w, c: c, pos: pos})
				}
			}
		}
	}

	e.queries[spec.ID] = q
	for _, stream := range inputs {
		entry := e.streams[stream]
		entry.routes = append(entry.routes, &route{q: q, c: q.chains[stream]})
	}

	for _, ts := range timed {
		e.wg.Add(1)
		go e.runWindowExpiry(qctx, q, ts.w, ts.c, ts.pos)
	}
	if q.negQueue != nil {
		e.wg.Add(1)
		go e.runNegationExpiry(qctx, q)
	}

	e.logger.Info("query registered", "query", spec.ID, "streams", inputs)
	return nil
}

// inputStreams computes the canonical, deterministic input stream list
// of a spec: plan streams, stage streams, and explicit extras, in
// first-mention order.
func (e *Engine) inputStreams(spec QuerySpec) []string {
	seen := make(map[string]bool)
	var inputs []string
	add := func(name string) {
		name = event.CanonicalName(name)
		if name != "" && !seen[name] {
			seen[name] = true
			inputs = append(inputs, name)
		}
	}
	if spec.Plan != nil {
		for _, el := range spec.Plan.Elements {
			add(el.Stream)
		}
	}
	for _, s := range spec.Streams {
		add(s)
	}
	for s := range spec.Stages {
		// Stage-only streams (window-only queries) come last; map
		// iteration order does not matter because add dedupes and the
		// explicit Streams list fixes the order callers care about.
		add(s)
	}
	return inputs
}

// AddSink registers a sink on a query. Sinks added mid-stream observe
// only subsequent propagations.
func (e *Engine) AddSink(queryID string, s sink.Sink) error {
	e.mu.RLock()
	q, ok := e.queries[queryID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}
	q.sinkMu.Lock()
	q.sinks = append(q.sinks, s)
	q.sinkMu.Unlock()
	return nil
}

// Send delivers one event to a stream with the current time as its
// timestamp. It returns once the event and all synchronous downstream
// effects have propagated.
func (e *Engine) Send(streamID string, values ...event.Value) error {
	return e.SendAt(streamID, time.Now(), values...)
}

// SendAt is Send with an explicit event timestamp.
//
// A schema violation produces fault events on the subscribed queries'
// sinks and is reported to the caller; the pipeline itself continues.
func (e *Engine) SendAt(streamID string, ts time.Time, values ...event.Value) error {
	entry, err := e.lookup(streamID)
	if err != nil {
		return err
	}
	token := e.tokens.Generate()

	if err := entry.schema.Validate(values); err != nil {
		e.faultOut(entry, token, ts, values, err)
		return err
	}

	ev := event.New(entry.schema.Stream, ts, values)
	ev.Seq = e.clock.Next()

	e.logger.Debug("event admitted", "token", token, "event", ev.String(), "seq", ev.Seq)
	e.propagate(entry, chain.Input{Insert: ev}, ts)
	return nil
}

// SendBatch delivers an ordered group of events atomically. Rows that
// violate the schema become fault events; the remaining rows propagate
// as one batch with their relative order preserved.
func (e *Engine) SendBatch(streamID string, rows [][]event.Value) error {
	entry, err := e.lookup(streamID)
	if err != nil {
		return err
	}
	token := e.tokens.Generate()
	ts := time.Now()

	var firstErr error
	batch := &event.Batch{}
	for _, row := range rows {
		if err := entry.schema.Validate(row); err != nil {
			e.faultOut(entry, token, ts, row, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ev := event.New(entry.schema.Stream, ts, row)
		ev.Seq = e.clock.Next()
		batch.Events = append(batch.Events, ev)
	}
	if len(batch.Events) > 0 {
		e.propagate(entry, chain.Input{Batch: batch}, ts)
	}
	return firstErr
}

func (e *Engine) lookup(streamID string) (*streamEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	entry, ok := e.streams[event.CanonicalName(streamID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return entry, nil
}

// propagate pushes an admitted input through every subscribed query's
// chain, serializing per query and delivering terminal effects to that
// query's sinks before releasing its lock.
func (e *Engine) propagate(entry *streamEntry, in chain.Input, ts time.Time) {
	e.mu.RLock()
	routes := make([]*route, len(entry.routes))
	copy(routes, entry.routes)
	e.mu.RUnlock()

	for _, r := range routes {
		r.q.mu.Lock()
		if r.q.removed {
			r.q.mu.Unlock()
			continue
		}
		eff := r.c.Process(in)
		e.deliver(r.q, ts, eff)
		r.q.mu.Unlock()
	}
}

// faultOut delivers a schema-violation fault to the sinks of every
// query subscribed to the stream.
func (e *Engine) faultOut(entry *streamEntry, token string, ts time.Time, values []event.Value, cause error) {
	e.logger.Warn("schema violation at ingress",
		"stream", entry.schema.Stream, "token", token, "error", cause)

	fault := event.Fault{
		Stream:    entry.schema.Stream,
		Values:    values,
		Err:       cause,
		Timestamp: ts,
		Token:     token,
	}

	e.mu.RLock()
	routes := make([]*route, len(entry.routes))
	copy(routes, entry.routes)
	e.mu.RUnlock()

	for _, r := range routes {
		r.q.mu.Lock()
		if !r.q.removed {
			e.deliver(r.q, ts, chain.Effects{Faults: []event.Fault{fault}})
		}
		r.q.mu.Unlock()
	}
}

func (e *Engine) deliver(q *query, ts time.Time, eff chain.Effects) {
	if eff.Empty() {
		return
	}
	// Batches that reached the chain end without a consuming stage
	// flatten into inserts for delivery.
	inserts := eff.Inserts
	for _, b := range eff.Batches {
		inserts = append(inserts, b.Events...)
	}
	q.sinkMu.RLock()
	sinks := make([]sink.Sink, len(q.sinks))
	copy(sinks, q.sinks)
	q.sinkMu.RUnlock()

	for _, s := range sinks {
		s.OnEvents(ts, inserts, eff.Removes, eff.Faults)
	}
}

// runWindowExpiry is the expiry consumer for one time window: it
// blocks on the scheduler queue until the earliest buffered event has
// outlived the window, then evicts it and pushes the retraction
// through the stages downstream of the window.
func (e *Engine) runWindowExpiry(ctx context.Context, q *query, w *window.Time, c *chain.Chain, pos int) {
	defer e.wg.Done()
	for {
		ev, ok := w.TakeExpired(ctx)
		if !ok {
			// Interrupted (teardown or shutdown). Never fatal: the
			// remaining entries are drained by RemoveQuery.
			e.logger.Debug("window expiry consumer stopping", "query", q.id, "window", w.Name())
			return
		}
		rm := &event.Remove{Event: ev, Timestamp: time.Now()}

		q.mu.Lock()
		if q.removed {
			q.mu.Unlock()
			return
		}
		eff := c.ProcessFrom(pos+1, chain.Input{Remove: rm})
		e.deliver(q, rm.Timestamp, eff)
		q.mu.Unlock()
	}
}

// runNegationExpiry discards partial matches whose time bound elapsed.
func (e *Engine) runNegationExpiry(ctx context.Context, q *query) {
	defer e.wg.Done()
	for {
		id, ok := q.negQueue.TakeExpired(ctx)
		if !ok {
			e.logger.Debug("negation expiry consumer stopping", "query", q.id)
			return
		}
		q.mu.Lock()
		if !q.removed && q.matcher != nil {
			q.matcher.Expire(id)
		}
		q.mu.Unlock()
	}
}

// RemoveQuery tears a query down: stops its expiry consumers, drains
// its scheduler queues, discards partial matches, and unsubscribes its
// chains. In-flight propagations complete first (they hold the query
// lock).
func (e *Engine) RemoveQuery(queryID string) error {
	e.mu.Lock()
	q, ok := e.queries[queryID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}
	delete(e.queries, queryID)
	for _, entry := range e.streams {
		kept := entry.routes[:0]
		for _, r := range entry.routes {
			if r.q != q {
				kept = append(kept, r)
			}
		}
		entry.routes = kept
	}
	e.mu.Unlock()

	q.mu.Lock()
	q.removed = true
	if q.matcher != nil {
		q.matcher.DiscardAll()
	}
	q.mu.Unlock()

	q.cancel()
	for _, w := range q.timeWindows {
		w.Close()
		if n := len(w.Drain()); n > 0 {
			e.logger.Debug("drained window entries on teardown", "query", queryID, "window", w.Name(), "count", n)
		}
	}
	if q.negQueue != nil {
		q.negQueue.Close()
		q.negQueue.Drain()
	}

	e.logger.Info("query removed", "query", queryID)
	return nil
}

// Close shuts the engine down: tears down every query and waits for
// background consumers to stop.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ids := make([]string, 0, len(e.queries))
	for id := range e.queries {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.RemoveQuery(id); err != nil && !errors.Is(err, ErrUnknownQuery) {
			e.logger.Error("teardown failed", "query", id, "error", err)
		}
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine closed")
}
