package schema

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/store"
	"github.com/roach88/relflow/internal/txdb"
	"github.com/roach88/relflow/internal/value"
)

// Graph holds the relations a schema defines: the mutable base tables and
// the operator nodes of its views, built over them.
type Graph struct {
	tables map[string]relation.MutableRelation
	views  map[string]*relation.Node
	names  []string
}

// Resolver supplies the base relation for a table definition.
type Resolver func(t Table) (relation.MutableRelation, error)

// OnDatabase resolves tables to the relations of db.
func OnDatabase(db *txdb.Database) Resolver {
	return func(t Table) (relation.MutableRelation, error) {
		return db.Relation(t.Name)
	}
}

// InMemory resolves every table to a fresh MemoryTable holding its seed
// rows.
func InMemory() Resolver {
	return func(t Table) (relation.MutableRelation, error) {
		return relation.MakeMemoryTable(t.Scheme(), t.Rows...), nil
	}
}

// Build validates s and constructs its views over the tables resolve
// returns. ValidationErrors is returned when the schema is invalid.
func Build(s *Schema, resolve Resolver) (*Graph, error) {
	if errs := Validate(s); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	g := &Graph{
		tables: make(map[string]relation.MutableRelation, len(s.Tables)),
		views:  make(map[string]*relation.Node, len(s.Views)),
		names:  s.Names(),
	}
	for _, t := range s.Tables {
		r, err := resolve(t)
		if err != nil {
			return nil, fmt.Errorf("resolving table %s: %w", t.Name, err)
		}
		if !r.Scheme().Equal(t.Scheme()) {
			return nil, fmt.Errorf("table %s: stored scheme %s, declared %s", t.Name, r.Scheme(), t.Scheme())
		}
		g.tables[t.Name] = r
	}

	for _, name := range topoOrder(s, buildDependencyGraph(s)) {
		v, _ := s.View(name)
		n, err := g.buildView(v)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", name, err)
		}
		g.views[name] = n.Named(name)
	}
	return g, nil
}

// Relation returns the table or view called name.
func (g *Graph) Relation(name string) (relation.Relation, bool) {
	if t, ok := g.tables[name]; ok {
		return t, true
	}
	if v, ok := g.views[name]; ok {
		return v, true
	}
	return nil, false
}

// Table returns the base table called name.
func (g *Graph) Table(name string) (relation.MutableRelation, bool) {
	t, ok := g.tables[name]
	return t, ok
}

// View returns the view called name.
func (g *Graph) View(name string) (*relation.Node, bool) {
	v, ok := g.views[name]
	return v, ok
}

// Names lists tables then views in declaration order.
func (g *Graph) Names() []string { return slices.Clone(g.names) }

func (g *Graph) operand(name string) relation.Relation {
	r, _ := g.Relation(name)
	return r
}

// buildView assumes v passed validation, so the relation constructors'
// contract checks hold.
func (g *Graph) buildView(v View) (*relation.Node, error) {
	a := g.operand(v.From[0])
	var b relation.Relation
	if len(v.From) > 1 {
		b = g.operand(v.From[1])
	}

	switch v.Op {
	case OpUnion:
		return relation.Union(a, b), nil
	case OpIntersection:
		return relation.Intersection(a, b), nil
	case OpDifference:
		return relation.Difference(a, b), nil
	case OpOtherwise:
		return relation.Otherwise(a, b), nil
	case OpJoin:
		return relation.Join(a, b), nil
	case OpLeftOuterJoin:
		return relation.LeftOuterJoin(a, b), nil
	case OpEquijoin:
		matching := make(map[value.Attribute]value.Attribute, len(v.On))
		for l, r := range v.On {
			matching[value.Attribute(l)] = value.Attribute(r)
		}
		return relation.Equijoin(a, b, matching), nil
	case OpThetaJoin:
		pred, err := v.Where.Build()
		if err != nil {
			return nil, err
		}
		return relation.ThetaJoin(a, b, pred), nil
	case OpSelect, OpMutableSelect:
		pred, err := v.Where.Build()
		if err != nil {
			return nil, err
		}
		if v.Op == OpMutableSelect {
			return relation.NewMutableSelect(a, pred), nil
		}
		return relation.Select(a, pred), nil
	case OpProject:
		return relation.Project(a, attributes(v.Attrs)...), nil
	case OpRename:
		renames := make(map[value.Attribute]value.Attribute, len(v.Renames))
		for from, to := range v.Renames {
			renames[value.Attribute(from)] = value.Attribute(to)
		}
		return relation.Rename(a, renames), nil
	case OpCount:
		return relation.Count(a), nil
	case OpMin:
		return relation.Min(a, value.Attribute(v.Attr)), nil
	case OpMax:
		return relation.Max(a, value.Attribute(v.Attr)), nil
	case OpUnique:
		val, err := value.Of(v.Value)
		if err != nil {
			return nil, err
		}
		return relation.Unique(a, value.Attribute(v.Attr), val), nil
	case OpWithUpdate:
		row, err := value.RowFromNative(v.Values)
		if err != nil {
			return nil, err
		}
		return relation.WithUpdate(a, row), nil
	}
	return nil, fmt.Errorf("unsupported operator %q", v.Op)
}

// Install creates the tables of s that storage lacks and seeds them with
// their rows, all inside one storage transaction. Tables that already
// exist keep their content but must have the declared scheme. It returns
// the names of the tables it created.
func Install(s *Schema, storage store.StoredDatabase) ([]string, error) {
	if errs := Validate(s); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	var created []string
	err := storage.Transaction(func() error {
		for _, t := range s.Tables {
			existing, err := storage.StoredRelation(t.Name)
			switch {
			case err == nil:
				if !existing.Scheme().Equal(t.Scheme()) {
					return fmt.Errorf("table %s: stored scheme %s, declared %s", t.Name, existing.Scheme(), t.Scheme())
				}
				continue
			case !errors.Is(err, store.ErrNoRelation):
				return fmt.Errorf("opening table %s: %w", t.Name, err)
			}

			r, err := storage.CreateRelation(t.Name, t.Scheme())
			if err != nil {
				return fmt.Errorf("creating table %s: %w", t.Name, err)
			}
			for _, row := range t.Rows {
				if err := r.Add(row); err != nil {
					return fmt.Errorf("seeding table %s: %w", t.Name, err)
				}
			}
			created = append(created, t.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
