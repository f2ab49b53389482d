package store

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

const fileExt = ".yaml"

// FileDatabase keeps one YAML file per relation in a directory. Files are
// rewritten only when their content changes, and inside Transaction only
// once it succeeds.
type FileDatabase struct {
	dir string

	txMu sync.Mutex // serializes Transaction
	mu   sync.Mutex
	inTx bool

	relations map[string]*FileRelation
}

// OpenFileDatabase uses dir, creating it if needed.
func OpenFileDatabase(dir string) (*FileDatabase, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return &FileDatabase{dir: dir, relations: make(map[string]*FileRelation)}, nil
}

// Close is a no-op; every committed write is already on disk.
func (s *FileDatabase) Close() error { return nil }

func (s *FileDatabase) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid relation name %q", name)
	}
	return filepath.Join(s.dir, name+fileExt), nil
}

func (s *FileDatabase) transacting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// CreateRelation writes an empty file for name.
func (s *FileDatabase) CreateRelation(name string, scheme value.Scheme) (relation.MutableRelation, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.relations[name]; ok {
		return nil, fmt.Errorf("create %q: %w", name, ErrRelationExists)
	}
	if _, err := os.Stat(p); err == nil {
		return nil, fmt.Errorf("create %q: %w", name, ErrRelationExists)
	}
	r := &FileRelation{leaf: leaf{id: relation.NextID(), name: name, scheme: scheme}, db: s, path: p, rows: value.NewRowSet()}
	if err := r.writeFile(r.rows); err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	s.relations[name] = r
	return r, nil
}

// StoredRelation loads name's file.
func (s *FileDatabase) StoredRelation(name string) (relation.MutableRelation, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.relations[name]; ok {
		return r, nil
	}
	r, err := OpenFileRelation(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open %q: %w", name, ErrNoRelation)
	}
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	r.name = name
	r.db = s
	s.relations[name] = r
	return r, nil
}

// Names lists the relation files in the directory.
func (s *FileDatabase) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	slices.Sort(names)
	return names, nil
}

// Transaction defers file writes until fn succeeds. If fn fails every
// relation written inside it is reloaded from its file.
func (s *FileDatabase) Transaction(fn func() error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	s.inTx = true
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	s.inTx = false
	var dirty []*FileRelation
	for _, name := range slices.Sorted(maps.Keys(s.relations)) {
		if r := s.relations[name]; r.isDirty() {
			dirty = append(dirty, r)
		}
	}
	s.mu.Unlock()

	if err != nil {
		for _, r := range dirty {
			if rerr := r.revert(); rerr != nil {
				return fmt.Errorf("%w (rollback failed: %v)", err, rerr)
			}
		}
		return err
	}
	for _, r := range dirty {
		if err := r.flush(); err != nil {
			return err
		}
	}
	return nil
}

// FileRelation is a relation kept in memory and mirrored to a YAML file.
// The xxhash of the last bytes read or written decides whether a write
// or a Reload has anything to do.
type FileRelation struct {
	leaf
	db   *FileDatabase // nil for a standalone relation
	path string

	mu    sync.RWMutex
	rows  *value.RowSet
	sum   uint64
	dirty bool
}

// OpenFileRelation loads a standalone relation from path.
func OpenFileRelation(path string) (*FileRelation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	scheme, rows, err := unmarshalFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), fileExt)
	return &FileRelation{
		leaf: leaf{id: relation.NextID(), name: name, scheme: scheme},
		path: path,
		rows: rows,
		sum:  checksum(data),
	}, nil
}

// CreateFileRelation writes an empty standalone relation to path.
func CreateFileRelation(path string, scheme value.Scheme) (*FileRelation, error) {
	name := strings.TrimSuffix(filepath.Base(path), fileExt)
	r := &FileRelation{leaf: leaf{id: relation.NextID(), name: name, scheme: scheme}, path: path, rows: value.NewRowSet()}
	if err := r.writeFile(r.rows); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the backing file.
func (r *FileRelation) Path() string { return r.path }

// Rows enumerates the in-memory content.
func (r *FileRelation) Rows() iter.Seq2[value.Row, error] {
	g := relation.NewGuard(r)
	return g.Rows(func() ([]value.Row, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.rows.Sorted(), nil
	})
}

// Contains reports whether row is present.
func (r *FileRelation) Contains(row value.Row) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows.Contains(row), nil
}

// Add inserts row.
func (r *FileRelation) Add(row value.Row) error {
	r.checkScheme(row)
	return r.mutate(func(rows *value.RowSet) relation.Change {
		if !rows.Add(row) {
			return relation.Change{}
		}
		return relation.NewChange(value.NewRowSet(row), nil)
	})
}

// Delete removes the rows matching query.
func (r *FileRelation) Delete(query expr.Expr) error {
	return r.mutate(func(rows *value.RowSet) relation.Change {
		removed := matching(rows, func(row value.Row) bool { return expr.Matches(query, row) })
		for row := range removed.All() {
			rows.Remove(row)
		}
		return relation.NewChange(nil, removed)
	})
}

// Update overwrites newValues on the rows matching query.
func (r *FileRelation) Update(query expr.Expr, newValues value.Row) error {
	if !newValues.Scheme().IsSubset(r.scheme) {
		return relation.NewDataError(r.name,
			fmt.Sprintf("update values %s are not in scheme %s", newValues, r.scheme), nil)
	}
	return r.mutate(func(rows *value.RowSet) relation.Change {
		return relation.UpdateRowSet(rows, query, newValues)
	})
}

// mutate applies fn to a copy of the content, writes the copy out unless
// a database transaction defers it, then installs it.
func (r *FileRelation) mutate(fn func(rows *value.RowSet) relation.Change) error {
	c, err := r.mutateLocked(fn)
	if err != nil {
		return err
	}
	r.notify(r, c)
	return nil
}

func (r *FileRelation) mutateLocked(fn func(rows *value.RowSet) relation.Change) (relation.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.rows.Clone()
	c := fn(next)
	if c.IsEmpty() {
		return c, nil
	}
	if r.db != nil && r.db.transacting() {
		r.dirty = true
	} else if err := r.writeFile(next); err != nil {
		return relation.Change{}, r.storageError(err)
	}
	r.rows = next
	r.bump(c)
	return c, nil
}

func (r *FileRelation) isDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

func (r *FileRelation) flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeFile(r.rows); err != nil {
		return r.storageError(err)
	}
	r.dirty = false
	return nil
}

// revert drops unwritten changes by reloading the file.
func (r *FileRelation) revert() error {
	return r.reload(true)
}

// Reload picks up edits made to the file by someone else and notifies
// the difference. It does nothing if the file's checksum is unchanged.
func (r *FileRelation) Reload() error {
	return r.reload(false)
}

func (r *FileRelation) reload(force bool) error {
	c, err := r.reloadLocked(force)
	if err != nil {
		return err
	}
	r.notify(r, c)
	return nil
}

func (r *FileRelation) reloadLocked(force bool) (relation.Change, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return relation.Change{}, r.storageError(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := checksum(data)
	if sum == r.sum && !force {
		return relation.Change{}, nil
	}
	scheme, rows, err := unmarshalFile(data)
	if err != nil {
		return relation.Change{}, relation.NewDataError(r.name, "unreadable file", err)
	}
	if !scheme.Equal(r.scheme) {
		return relation.Change{}, relation.NewDataError(r.name,
			fmt.Sprintf("file scheme %s does not match %s", scheme, r.scheme), nil)
	}
	c := relation.NewChange(rows.Minus(r.rows), r.rows.Minus(rows))
	r.rows = rows
	r.sum = sum
	r.dirty = false
	r.bump(c)
	return c, nil
}

// writeFile replaces the file with rows unless the bytes would be the
// same as the last ones read or written. Callers hold r.mu.
func (r *FileRelation) writeFile(rows *value.RowSet) error {
	data, err := marshalFile(r.scheme, rows)
	if err != nil {
		return err
	}
	sum := checksum(data)
	if sum == r.sum && r.sum != 0 {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".relflow-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	r.sum = sum
	return nil
}

// File layout:
//
//	attributes: [a, b]
//	rows:
//	  - {a: 1, b: !!float 2}
//
// Every value carries its YAML tag so integers and reals survive a round
// trip.
func marshalFile(scheme value.Scheme, rows *value.RowSet) ([]byte, error) {
	attrs := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, a := range scheme.Attributes() {
		attrs.Content = append(attrs.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(a)})
	}
	list := &yaml.Node{Kind: yaml.SequenceNode}
	for _, row := range rows.Sorted() {
		m := &yaml.Node{Kind: yaml.MappingNode, Style: yaml.FlowStyle}
		for a, v := range row.Fields() {
			n, err := valueNode(v)
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", a, err)
			}
			m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(a)}, n)
		}
		list.Content = append(list.Content, m)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "attributes"}, attrs,
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "rows"}, list,
	}}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func valueNode(v value.Value) (*yaml.Node, error) {
	switch val := v.(type) {
	case nil, value.Null:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case value.Integer:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(int64(val), 10)}, nil
	case value.Real:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Style: yaml.TaggedStyle, Value: formatFloat(float64(val))}, nil
	case value.Text:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(val)}, nil
	case value.Blob:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!binary", Value: base64.StdEncoding.EncodeToString(val)}, nil
	default:
		return nil, fmt.Errorf("%s cannot be stored", v)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

func unmarshalFile(data []byte) (value.Scheme, *value.RowSet, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return value.Scheme{}, nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return value.Scheme{}, nil, errors.New("expected a mapping with attributes and rows")
	}
	var attrs []value.Attribute
	rows := value.NewRowSet()
	top := doc.Content[0].Content
	for i := 0; i+1 < len(top); i += 2 {
		key, body := top[i].Value, top[i+1]
		switch key {
		case "attributes":
			for _, n := range body.Content {
				attrs = append(attrs, value.Attribute(n.Value))
			}
		case "rows":
			for _, n := range body.Content {
				row, err := rowFromNode(n)
				if err != nil {
					return value.Scheme{}, nil, fmt.Errorf("line %d: %w", n.Line, err)
				}
				rows.Add(row)
			}
		default:
			return value.Scheme{}, nil, fmt.Errorf("line %d: unknown key %q", top[i].Line, key)
		}
	}
	scheme := value.NewScheme(attrs...)
	for row := range rows.All() {
		if !row.Scheme().Equal(scheme) {
			return value.Scheme{}, nil, fmt.Errorf("row %s does not match attributes %s", row, scheme)
		}
	}
	return scheme, rows, nil
}

func rowFromNode(n *yaml.Node) (value.Row, error) {
	if n.Kind != yaml.MappingNode {
		return value.Row{}, errors.New("row is not a mapping")
	}
	fields := make(map[value.Attribute]value.Value, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		v, err := nodeValue(n.Content[i+1])
		if err != nil {
			return value.Row{}, fmt.Errorf("attribute %s: %w", n.Content[i].Value, err)
		}
		fields[value.Attribute(n.Content[i].Value)] = v
	}
	return value.RowFromMap(fields), nil
}

func nodeValue(n *yaml.Node) (value.Value, error) {
	if n.Kind != yaml.ScalarNode {
		return nil, errors.New("value is not a scalar")
	}
	switch n.ShortTag() {
	case "!!null":
		return value.Null{}, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, err
		}
		return value.FromBool(b), nil
	case "!!int":
		i, err := strconv.ParseInt(strings.ReplaceAll(n.Value, "_", ""), 0, 64)
		if err != nil {
			return nil, err
		}
		return value.Integer(i), nil
	case "!!float":
		switch strings.ToLower(n.Value) {
		case ".nan":
			return value.Real(math.NaN()), nil
		case ".inf", "+.inf":
			return value.Real(math.Inf(1)), nil
		case "-.inf":
			return value.Real(math.Inf(-1)), nil
		}
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, err
		}
		return value.Real(f), nil
	case "!!binary":
		b, err := base64.StdEncoding.DecodeString(n.Value)
		if err != nil {
			return nil, err
		}
		return value.Blob(b), nil
	default:
		return value.Text(n.Value), nil
	}
}
