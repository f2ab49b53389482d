package relation

import (
	"log/slog"
	"sync"
)

// observation is a node's synchronous change feed. It stays detached from
// the node's variables until the first observer registers, and detaches
// again when the last one leaves, so unobserved graphs cost nothing on
// writes.
type observation struct {
	mu        sync.Mutex
	observers ObserverList
	detach    []func()
	depth     int
	pending   map[ID]*Delta
}

// AddObserver registers o for the node's derived changes.
//
// Brackets from the node's variables are counted: the node announces
// TransactionBegan on the first opening bracket and, when the last one
// closes, derives its net change from the accumulated leaf deltas,
// delivers it, and announces TransactionEnded. When the change cannot be
// derived, observers implementing FailureObserver receive the error instead. A database commit touching
// three leaves of one graph therefore produces one bracket and one change.
func (n *Node) AddObserver(o Observer) func() {
	obs := &n.obs
	obs.mu.Lock()
	remove := obs.observers.Add(o)
	if obs.detach == nil {
		for _, v := range Variables(n) {
			obs.detach = append(obs.detach, v.AddObserver(nodeFeed{n}))
		}
	}
	obs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			obs.mu.Lock()
			defer obs.mu.Unlock()
			remove()
			if obs.observers.Len() > 0 {
				return
			}
			for _, d := range obs.detach {
				d()
			}
			obs.detach = nil
			obs.depth = 0
			obs.pending = nil
		})
	}
}

// nodeFeed is the observer a node registers on each of its variables.
type nodeFeed struct{ n *Node }

func (f nodeFeed) TransactionBegan(Relation) {
	obs := &f.n.obs
	obs.mu.Lock()
	obs.depth++
	first := obs.depth == 1
	obs.mu.Unlock()

	if first {
		obs.observers.Began(f.n)
	}
}

func (f nodeFeed) RelationChanged(v Relation, c Change) {
	obs := &f.n.obs
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.pending == nil {
		obs.pending = make(map[ID]*Delta)
	}
	d, ok := obs.pending[v.ID()]
	if !ok {
		d = NewDelta()
		obs.pending[v.ID()] = d
	}
	d.MergeChange(c)
}

func (f nodeFeed) TransactionEnded(Relation) {
	obs := &f.n.obs
	obs.mu.Lock()
	if obs.depth == 0 {
		// Observer attached mid-bracket; nothing was announced.
		obs.mu.Unlock()
		return
	}
	obs.depth--
	if obs.depth > 0 {
		obs.mu.Unlock()
		return
	}
	leaves := obs.pending
	obs.pending = nil
	obs.mu.Unlock()

	if len(leaves) > 0 {
		delta, err := NewDifferentiator(NewEvaluator(), leaves).Delta(f.n)
		if err != nil {
			slog.Error("relation: deriving change failed",
				"relation", f.n.String(),
				"error", err,
			)
			obs.observers.Failed(f.n, err)
		} else {
			obs.observers.Changed(f.n, delta.Change())
		}
	}
	obs.observers.Ended(f.n)
}
