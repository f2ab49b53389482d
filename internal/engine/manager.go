package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/txdb"
	"github.com/roach88/relflow/internal/value"
)

// ErrClosed is delivered to queries enqueued after Close.
var ErrClosed = errors.New("engine: manager closed")

// State is the manager's execution state.
type State int

const (
	// Idle: nothing is queued.
	Idle State = iota
	// Pending: actions are queued but not yet running.
	Pending
	// Running: queued actions are being applied and queries evaluated.
	Running
	// Stopping: the queue is drained and observers are being notified.
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Manager serializes mutation and query work for relation graphs onto
// one execution goroutine, propagates changes incrementally and delivers
// one coalesced notification per observed relation per running period.
//
// Thread-safety model:
//   - Add, Delete, Update, SetPredicate, RestoreSnapshot, Apply, Query,
//     Checkpoint, Observe* and AddStateObserver: safe from any goroutine,
//     never block on running work
//   - Run and Drain: exclusive with each other; callbacks must not call
//     Drain
type Manager struct {
	log      *slog.Logger
	clock    Clock
	ids      IDGenerator
	metrics  *metrics
	stopping bool

	queue  *actionQueue
	execMu sync.Mutex

	mu       sync.Mutex
	state    State
	observed map[relation.ID]*observed
	nextSeq  uint64

	stateObservers map[uint64]func(State)
	nextStateID    uint64
	stateEvents    []State
	flushing       bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock sets the clock that numbers batches. Default: NewClock().
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator sets the batch ID generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithMetrics registers the manager's collectors on reg. Registering two
// managers on one registry panics.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) { reg.MustRegister(m.metrics.collectors()...) }
}

// WithoutStopping runs the Idle, Pending, Running, Idle state machine:
// observers are notified at the end of Running and no Stopping state is
// reported. Deprecated: Stopping is the canonical machine.
func WithoutStopping() Option {
	return func(m *Manager) { m.stopping = false }
}

// NewManager creates an idle manager. Call Run on a goroutine of its own,
// or Drain where the caller owns the execution context.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:            slog.Default(),
		clock:          NewClock(),
		ids:            UUIDv7Generator{},
		metrics:        newMetrics(),
		stopping:       true,
		queue:          newActionQueue(),
		observed:       make(map[relation.ID]*observed),
		stateObservers: make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddStateObserver registers fn for every state transition. Each
// transition is reported exactly once, in order.
func (m *Manager) AddStateObserver(fn func(State)) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStateID++
	id := m.nextStateID
	m.stateObservers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.stateObservers, id)
		})
	}
}

// setStateLocked records a transition for flushStates. Callers hold mu.
func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.stateEvents = append(m.stateEvents, s)
}

// flushStates delivers recorded transitions outside mu. Whoever starts
// flushing delivers everything recorded until the backlog is empty, so a
// transition recorded from inside a state observer, or from another
// goroutine meanwhile, is still delivered once and in order.
func (m *Manager) flushStates() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.stateEvents) > 0 {
		s := m.stateEvents[0]
		m.stateEvents = m.stateEvents[1:]
		ids := make([]uint64, 0, len(m.stateObservers))
		for id := range m.stateObservers {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		fns := make([]func(State), len(ids))
		for i, id := range ids {
			fns[i] = m.stateObservers[id]
		}
		m.mu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}

// Add queues adding row to r.
func (m *Manager) Add(r relation.MutableRelation, row value.Row) {
	m.enqueue(action{kind: actionAdd, target: r, row: row})
}

// Delete queues deleting the rows of r matching query.
func (m *Manager) Delete(r relation.MutableRelation, query expr.Expr) {
	m.enqueue(action{kind: actionDelete, target: r, query: query})
}

// Update queues overwriting values on the rows of r matching query. r may
// be a derived relation; the update is routed through its operators.
func (m *Manager) Update(r relation.Relation, query expr.Expr, values value.Row) {
	m.enqueue(action{kind: actionUpdate, target: r, query: query, values: values})
}

// SetPredicate queues replacing a mutable select's predicate.
func (m *Manager) SetPredicate(n *relation.Node, pred expr.Expr) {
	m.enqueue(action{kind: actionSetPredicate, target: n, node: n, query: pred})
}

// RestoreSnapshot queues restoring db to snap. Mutations queued before it
// are committed first.
func (m *Manager) RestoreSnapshot(db *txdb.Database, snap txdb.Snapshot) {
	m.enqueue(action{kind: actionRestoreSnapshot, db: db, snapshot: snap})
}

// Apply queues replaying d onto db.
func (m *Manager) Apply(db *txdb.Database, d txdb.Delta) {
	m.enqueue(action{kind: actionApply, db: db, delta: d})
}

// Query queues reading r. done is called exactly once, on the execution
// goroutine, with r's rows in sorted order passed through postprocess
// (when non-nil), or with the error that stopped the read.
func (m *Manager) Query(r relation.Relation, postprocess func([]value.Row) []value.Row, done func(QueryResult)) {
	m.enqueue(action{kind: actionQuery, target: r, post: postprocess, done: done})
}

// Checkpoint queues fn to run after every action queued before it has
// been applied and before any action queued after it.
func (m *Manager) Checkpoint(fn func()) {
	m.enqueue(action{kind: actionCheckpoint, fn: fn})
}

func (m *Manager) enqueue(a action) {
	m.mu.Lock()
	if !m.queue.Enqueue(a) {
		m.mu.Unlock()
		m.log.Warn("action dropped: manager closed", "action", a.kind.String())
		if a.done != nil {
			a.done(QueryResult{Err: ErrClosed})
		}
		return
	}
	if m.state == Idle {
		m.setStateLocked(Pending)
	}
	m.mu.Unlock()
	m.flushStates()
}

// Observe registers o for r's coalesced changes.
func (m *Manager) Observe(r relation.Relation, o Observer) (remove func()) {
	return m.register(r, &registration{observer: o})
}

// ObserveCoalesced registers fn to receive one Result per running period
// in which r's net change is non-empty or failed.
func (m *Manager) ObserveCoalesced(r relation.Relation, fn func(Result)) (remove func()) {
	return m.register(r, &registration{coalesced: fn})
}

// ObserveContent registers fn to receive r's whole sorted content after
// every running period that changed it.
func (m *Manager) ObserveContent(r relation.Relation, fn func(QueryResult)) (remove func()) {
	return m.register(r, &registration{content: fn})
}

// register records reg. The manager keeps r alive while it has any
// registration; removing the last one forgets r and any change pending
// for it.
func (m *Manager) register(r relation.Relation, reg *registration) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.observed[r.ID()]
	if !ok {
		m.nextSeq++
		o = newObserved(r, m.nextSeq)
		m.observed[r.ID()] = o
	}
	o.nextID++
	id := o.nextID
	o.regs[id] = reg

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(o.regs, id)
			if len(o.regs) == 0 && m.observed[r.ID()] == o {
				delete(m.observed, r.ID())
			}
		})
	}
}

// watched returns the observed relations in registration order.
func (m *Manager) watched() []*observed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*observed, 0, len(m.observed))
	for _, o := range m.observed {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b *observed) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// registrations returns o's live registrations in registration order, or
// nil once o is no longer observed.
func (m *Manager) registrations(o *observed) []*registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observed[o.rel.ID()] != o {
		return nil
	}
	ids := make([]uint64, 0, len(o.regs))
	for id := range o.regs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*registration, len(ids))
	for i, id := range ids {
		out[i] = o.regs[id]
	}
	return out
}

// Run drains queued work on the calling goroutine until ctx is done or
// the manager is closed.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("manager started")
	for {
		m.Drain()
		select {
		case <-ctx.Done():
			m.log.Info("manager stopping: context cancelled")
			return ctx.Err()
		case _, ok := <-m.queue.Wait():
			if !ok {
				m.Drain()
				m.log.Info("manager stopping: closed")
				return nil
			}
		}
	}
}

// Drain runs every pending period on the calling goroutine and returns
// when the manager is idle with an empty queue.
func (m *Manager) Drain() {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	for m.beginPeriod() {
		m.runPeriod()
	}
}

// Close refuses further actions. Work already queued still runs.
func (m *Manager) Close() {
	m.queue.Close()
}

func (m *Manager) beginPeriod() bool {
	m.mu.Lock()
	if m.state != Pending {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(Running)
	m.mu.Unlock()
	m.flushStates()
	return true
}

// runPeriod processes the queue until it stays empty, then notifies.
// Actions queued by callbacks while Running join this period.
func (m *Manager) runPeriod() {
	b := &batch{id: m.ids.Generate(), seq: m.clock.Next()}
	start := time.Now()
	m.log.Debug("batch started", "batch_id", b.id, "seq", b.seq)

	for {
		actions := m.queue.TakeAll()
		if len(actions) == 0 {
			break
		}
		b.actions += len(actions)
		m.process(b, actions)
	}

	if m.stopping {
		m.mu.Lock()
		m.setStateLocked(Stopping)
		m.mu.Unlock()
		m.flushStates()
	}
	delivered := m.deliver(b)

	m.mu.Lock()
	m.setStateLocked(Idle)
	if m.queue.Len() > 0 {
		m.setStateLocked(Pending)
	}
	m.mu.Unlock()

	elapsed := time.Since(start)
	m.metrics.batches.Inc()
	m.metrics.batchDuration.Observe(elapsed.Seconds())
	m.log.Info("batch complete",
		"batch_id", b.id,
		"seq", b.seq,
		"actions", b.actions,
		"notified", delivered,
		"duration", elapsed,
	)
	m.flushStates()
}

// batch is the execution state of one running period.
type batch struct {
	id      string
	seq     int64
	actions int
	eval    *relation.Evaluator
}

// evaluator returns the evaluator for the current committed state. Every
// read in the period between two writes shares it.
func (b *batch) evaluator() *relation.Evaluator {
	if b.eval == nil {
		b.eval = relation.NewEvaluator()
	}
	return b.eval
}

// invalidate drops the evaluator after a write.
func (b *batch) invalidate() { b.eval = nil }

// process applies one drained run of actions: mutations grouped into
// segments, barriers between them, queries last.
func (m *Manager) process(b *batch, actions []action) {
	watch := m.watched()
	c := newCapture(watch)
	defer c.close()

	var queries, segment []action
	flush := func() {
		if len(segment) > 0 {
			m.runSegment(b, c, watch, segment)
			segment = nil
		}
	}
	for _, a := range actions {
		m.metrics.actions.WithLabelValues(a.kind.String()).Inc()
		switch {
		case a.kind == actionQuery:
			queries = append(queries, a)
		case a.barrier():
			flush()
			m.runBarrier(b, c, watch, a)
		default:
			segment = append(segment, a)
		}
	}
	flush()
	if len(queries) > 0 {
		m.runQueries(b, queries)
	}
}

// runSegment applies mutations in FIFO order inside one transaction per
// involved database and folds the resulting changes into the observed
// relations.
func (m *Manager) runSegment(b *batch, c *capture, watch []*observed, segment []action) {
	var dbs []*txdb.Database
	for _, a := range segment {
		for _, v := range relation.Variables(a.target) {
			if tr, ok := v.(*txdb.Relation); ok && !slices.Contains(dbs, tr.Database()) {
				dbs = append(dbs, tr.Database())
			}
		}
	}

	b.invalidate()
	c.take()

	var open []*txdb.Database
	committed := false
	defer func() {
		if !committed {
			// A panicking action must not leave transactions open.
			for _, db := range open {
				if db.InTransaction() {
					db.Rollback()
				}
			}
		}
	}()
	for _, db := range dbs {
		db.Begin()
		open = append(open, db)
	}

	for _, a := range segment {
		if err := m.apply(a); err != nil {
			name := relationName(a.target)
			m.log.Error("action failed",
				"batch_id", b.id,
				"action", a.kind.String(),
				"relation", name,
				"error", err,
			)
			rerr := NewActionError(b.id, a.kind, name, err)
			for _, o := range watch {
				if o.dependsOn(a.target) {
					o.fail(rerr)
				}
			}
		}
	}

	for _, db := range dbs {
		if err := db.End(); err != nil {
			m.log.Error("transaction commit failed", "batch_id", b.id, "error", err)
			m.failDatabase(watch, db, NewCommitError(b.id, err))
		}
	}
	committed = true

	m.differentiate(b, c, watch)
}

func (m *Manager) apply(a action) error {
	switch a.kind {
	case actionAdd:
		return a.target.(relation.MutableRelation).Add(a.row)
	case actionDelete:
		return a.target.(relation.MutableRelation).Delete(a.query)
	case actionUpdate:
		return a.target.Update(a.query, a.values)
	default:
		panic(fmt.Sprintf("engine: %s is not a segment action", a.kind))
	}
}

// runBarrier runs an action that must not share a transaction with its
// neighbours.
func (m *Manager) runBarrier(b *batch, c *capture, watch []*observed, a action) {
	b.invalidate()
	c.take()
	defer b.invalidate()

	var err error
	switch a.kind {
	case actionCheckpoint:
		m.runCheckpoint(b, a.fn)
	case actionRestoreSnapshot:
		err = a.db.RestoreSnapshot(a.snapshot)
	case actionApply:
		err = a.db.Apply(a.delta)
	case actionSetPredicate:
		err = a.node.SetPredicate(a.query)
	}
	if err != nil {
		m.log.Error("action failed", "batch_id", b.id, "action", a.kind.String(), "error", err)
		rerr := NewActionError(b.id, a.kind, relationName(a.target), err)
		if a.db != nil {
			m.failDatabase(watch, a.db, rerr)
		} else {
			for _, o := range watch {
				if o.dependsOn(a.target) {
					o.fail(rerr)
				}
			}
		}
	}
	m.differentiate(b, c, watch)
}

func (m *Manager) runCheckpoint(b *batch, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := NewCheckpointError(b.id, r)
			m.log.Error("checkpoint panicked", "batch_id", b.id, "error", err)
		}
	}()
	fn()
}

// failDatabase records err on every observed relation reading db.
func (m *Manager) failDatabase(watch []*observed, db *txdb.Database, err error) {
	for _, o := range watch {
		for _, v := range o.vars {
			if tr, ok := v.(*txdb.Relation); ok && tr.Database() == db {
				o.fail(err)
				break
			}
		}
	}
}

// differentiate turns the captured leaf changes into each observed
// relation's change. One Differentiator serves every observed relation,
// so shared sub-graphs are derived once.
func (m *Manager) differentiate(b *batch, c *capture, watch []*observed) {
	leaves := c.take()
	if len(leaves) == 0 {
		return
	}
	d := relation.NewDifferentiator(b.evaluator(), leaves)
	for _, o := range watch {
		if !d.Affects(o.rel) {
			continue
		}
		delta, err := d.Delta(o.rel)
		if err != nil {
			m.log.Debug("deriving change failed",
				"batch_id", b.id,
				"relation", relationName(o.rel),
				"error", err,
			)
			o.fail(NewNodeError(b.id, relationName(o.rel), err))
			continue
		}
		o.delta.Merge(delta)
	}
}

// runQueries evaluates every query against one evaluator, then completes
// them in FIFO order.
func (m *Manager) runQueries(b *batch, queries []action) {
	eval := b.evaluator()
	results := make([]QueryResult, len(queries))
	for i, q := range queries {
		results[i] = m.read(b, eval, q.target, q.post)
	}
	for i, q := range queries {
		if q.done != nil {
			q.done(results[i])
		}
	}
	// Completions may have written directly.
	b.invalidate()
}

func (m *Manager) read(b *batch, eval *relation.Evaluator, r relation.Relation, post func([]value.Row) []value.Row) QueryResult {
	rows, err := eval.Content(r)
	if err != nil {
		return QueryResult{Err: NewNodeError(b.id, relationName(r), err)}
	}
	sorted := rows.Sorted()
	if post != nil {
		sorted = post(sorted)
	}
	return QueryResult{Rows: sorted}
}

// deliver notifies every observed relation whose net change for the
// period is non-empty or failed, and returns how many were notified.
func (m *Manager) deliver(b *batch) int {
	notified := 0
	for _, o := range m.watched() {
		if o.err == nil && o.delta.IsEmpty() {
			continue
		}
		res := Result{
			Relation: o.rel,
			BatchID:  b.id,
			Seq:      b.seq,
			Change:   o.delta.Change(),
			Err:      o.err,
		}
		o.reset()

		regs := m.registrations(o)
		if len(regs) == 0 {
			continue
		}
		notified++
		if res.Err != nil {
			m.metrics.nodeErrors.Inc()
		}

		var content *QueryResult
		for _, reg := range regs {
			switch {
			case reg.observer != nil:
				notifyObserver(reg.observer, res)
			case reg.coalesced != nil:
				reg.coalesced(res)
			case reg.content != nil:
				if content == nil {
					qr := QueryResult{Err: res.Err}
					if res.Err == nil {
						qr = m.read(b, b.evaluator(), o.rel, nil)
					}
					content = &qr
				}
				reg.content(*content)
			}
		}
	}
	b.invalidate()
	return notified
}

func notifyObserver(o Observer, res Result) {
	o.WillChange(res.Relation)
	if res.Err != nil {
		o.Failed(res.Relation, res.Err)
	} else {
		if res.Change.Added != nil {
			o.Added(res.Relation, res.Change.Added)
		}
		if res.Change.Removed != nil {
			o.Removed(res.Relation, res.Change.Removed)
		}
	}
	o.DidChange(res.Relation)
}

func relationName(r relation.Relation) string {
	if r == nil {
		return ""
	}
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("relation#%d", r.ID())
}
