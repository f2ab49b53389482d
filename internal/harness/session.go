package harness

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/relflow/internal/engine"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/schema"
	"github.com/roach88/relflow/internal/store"
	"github.com/roach88/relflow/internal/txdb"
	"github.com/roach88/relflow/internal/value"
)

// Session is a schema installed in storage, built over a transactional
// database, with a manager to queue steps on. The harness runs scenarios
// in a Session; the CLI runs step files in one.
type Session struct {
	graph   *schema.Graph
	db      *txdb.Database
	manager *engine.Manager
	logger  *slog.Logger

	// Queried receives each query step's result, on the goroutine running
	// the manager.
	Queried func(relation string, res engine.QueryResult)

	// Failed receives failures found while the manager runs: failed
	// queries, query content mismatches (*AssertionError) and failed saves.
	Failed func(err error)

	mu        sync.Mutex
	snapshots map[string]txdb.Snapshot
}

// NewSession installs s into storage and builds its views over a fresh
// txdb.Database. m drives every step.
func NewSession(s *schema.Schema, storage store.StoredDatabase, m *engine.Manager, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	created, err := schema.Install(s, storage)
	if err != nil {
		return nil, fmt.Errorf("failed to install schema: %w", err)
	}
	if len(created) > 0 {
		logger.Debug("tables created", "tables", created)
	}

	db := txdb.Open(storage)
	g, err := schema.Build(s, schema.OnDatabase(db))
	if err != nil {
		return nil, fmt.Errorf("failed to build schema: %w", err)
	}
	return &Session{
		graph:     g,
		db:        db,
		manager:   m,
		logger:    logger,
		Queried:   func(string, engine.QueryResult) {},
		Failed:    func(error) {},
		snapshots: make(map[string]txdb.Snapshot),
	}, nil
}

// Graph returns the built tables and views.
func (s *Session) Graph() *schema.Graph { return s.graph }

// DB returns the transactional database the tables live in.
func (s *Session) DB() *txdb.Database { return s.db }

// Manager returns the manager steps are queued on.
func (s *Session) Manager() *engine.Manager { return s.manager }

// Observe registers fn for the coalesced changes of each named relation.
func (s *Session) Observe(names []string, fn func(name string, res engine.Result)) error {
	for _, name := range names {
		r, err := s.relation(name)
		if err != nil {
			return fmt.Errorf("observe: %w", err)
		}
		s.manager.ObserveCoalesced(r, func(res engine.Result) { fn(name, res) })
	}
	return nil
}

// Execute queues st on the manager, or drains it for a commit step.
// Errors are returned for steps that cannot be queued at all; failures
// found later go to Failed.
func (s *Session) Execute(st Step) error {
	switch {
	case st.Add != nil:
		s.logger.Debug("step", "kind", "add", "relation", st.Add.Relation)
		t, err := s.table(st.Add.Relation)
		if err != nil {
			return err
		}
		row, err := value.RowFromNative(st.Add.Row)
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		if !row.Scheme().Equal(t.Scheme()) {
			return fmt.Errorf("add: row %s does not match %s%s", row, st.Add.Relation, t.Scheme())
		}
		s.manager.Add(t, row)

	case st.Delete != nil:
		s.logger.Debug("step", "kind", "delete", "relation", st.Delete.Relation)
		t, err := s.table(st.Delete.Relation)
		if err != nil {
			return err
		}
		q, err := st.Delete.Where.Build()
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		s.manager.Delete(t, q)

	case st.Update != nil:
		s.logger.Debug("step", "kind", "update", "relation", st.Update.Relation)
		r, err := s.relation(st.Update.Relation)
		if err != nil {
			return err
		}
		q, err := st.Update.Where.Build()
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		values, err := value.RowFromNative(st.Update.Set)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		if !values.Scheme().IsSubset(r.Scheme()) {
			return fmt.Errorf("update: %s has no attributes %s", st.Update.Relation, values.Scheme().Minus(r.Scheme()))
		}
		s.manager.Update(r, q, values)

	case st.SetPredicate != nil:
		s.logger.Debug("step", "kind", "set_predicate", "view", st.SetPredicate.View)
		n, ok := s.graph.View(st.SetPredicate.View)
		if !ok {
			return fmt.Errorf("set_predicate: unknown view %q", st.SetPredicate.View)
		}
		if n.Op() != relation.OpMutableSelect {
			return fmt.Errorf("set_predicate: view %q is %s, not mutable_select", st.SetPredicate.View, n.Op())
		}
		q, err := st.SetPredicate.Where.Build()
		if err != nil {
			return fmt.Errorf("set_predicate: %w", err)
		}
		s.manager.SetPredicate(n, q)

	case st.Query != nil:
		s.logger.Debug("step", "kind", "query", "relation", st.Query.Relation)
		return s.query(st.Query)

	case st.Snapshot != "":
		name := st.Snapshot
		s.logger.Debug("step", "kind", "snapshot", "name", name)
		s.manager.Checkpoint(func() {
			snap := s.db.TakeSnapshot()
			s.mu.Lock()
			s.snapshots[name] = snap
			s.mu.Unlock()
		})

	case st.Restore != "":
		s.logger.Debug("step", "kind", "restore", "name", st.Restore)
		s.mu.Lock()
		snap, ok := s.snapshots[st.Restore]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("restore: snapshot %q not taken (commit after taking it)", st.Restore)
		}
		s.manager.RestoreSnapshot(s.db, snap)

	case st.Commit:
		s.logger.Debug("step", "kind", "commit")
		s.manager.Drain()

	case st.Save:
		s.logger.Debug("step", "kind", "save")
		s.manager.Checkpoint(func() {
			if err := s.db.Save(); err != nil {
				s.logger.Error("save failed", "error", err)
				s.Failed(fmt.Errorf("save failed: %w", err))
			}
		})

	default:
		return fmt.Errorf("empty step")
	}
	return nil
}

func (s *Session) query(q *QueryStep) error {
	r, err := s.relation(q.Relation)
	if err != nil {
		return err
	}
	var want []string
	if q.Expect != nil {
		if want, err = nativeRowStrings(q.Expect); err != nil {
			return fmt.Errorf("query: %w", err)
		}
	}
	s.manager.Query(r, nil, func(res engine.QueryResult) {
		s.Queried(q.Relation, res)
		if res.Err != nil {
			s.Failed(fmt.Errorf("query %s failed: %w", q.Relation, res.Err))
			return
		}
		if got := rowStrings(res.Rows); q.Expect != nil && !equalStrings(got, want) {
			s.Failed(&AssertionError{
				Type:     EventQuery,
				Expected: fmt.Sprintf("%s content %v", q.Relation, want),
				Actual:   fmt.Sprintf("%v", got),
			})
		}
	})
	return nil
}

// Content returns the committed content of the named relation, sorted.
func (s *Session) Content(name string) ([]value.Row, error) {
	r, err := s.relation(name)
	if err != nil {
		return nil, err
	}
	rows, err := relation.NewEvaluator().Content(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return rows.Sorted(), nil
}

func (s *Session) table(name string) (relation.MutableRelation, error) {
	t, ok := s.graph.Table(name)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

func (s *Session) relation(name string) (relation.Relation, error) {
	r, ok := s.graph.Relation(name)
	if !ok {
		return nil, fmt.Errorf("unknown relation %q", name)
	}
	return r, nil
}

func rowStrings(rows []value.Row) []string {
	if len(rows) == 0 {
		return nil
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.String()
	}
	return out
}
