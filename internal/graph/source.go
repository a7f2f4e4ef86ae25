package graph

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/authoritative"
	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/syncerr"
)

// Source implements snapshot.Source by walking a Graph against an
// authoritative.Store: the COLD variant's "traverse the declared
// graph" step. It yields one batch per node per call, depth-first,
// exactly as the reference's recursive serialize_state does (root's
// own row first, then each child edge in declaration order).
type Source struct {
	store  authoritative.Store
	graph  *Graph
	logger zerolog.Logger
}

// NewSource builds a Source over store/g.
func NewSource(store authoritative.Store, g *Graph, logger zerolog.Logger) *Source {
	return &Source{
		store:  store,
		graph:  g,
		logger: logger.With().Str("component", "graph").Logger(),
	}
}

// SerializeState implements snapshot.Source.
func (s *Source) SerializeState(ctx context.Context, anchor string, tstamp float64) (<-chan []docstore.Document, <-chan error) {
	out := make(chan []docstore.Document)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		root, found, err := s.store.Get(ctx, s.graph.Root.InstanceType, anchor)
		if err != nil {
			errc <- err
			return
		}
		if !found {
			errc <- syncerr.New("graph.SerializeState", syncerr.KindAnchorNotFound, nil,
				"instance_type", s.graph.Root.InstanceType, "id", anchor)
			return
		}

		if err := s.walk(ctx, s.graph.Root, []docstore.Document{root}, tstamp, out); err != nil {
			errc <- err
		}
	}()

	return out, errc
}

// walk emits the batch for node's own instances, then recurses into
// each declared child by traversing the parent's edge.
func (s *Source) walk(ctx context.Context, node *Node, instances []docstore.Document, tstamp float64, out chan<- []docstore.Document) error {
	batch := make([]docstore.Document, 0, len(instances))
	for _, inst := range instances {
		batch = append(batch, mark(inst, node, tstamp))
	}
	select {
	case out <- batch:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, child := range node.Children {
		var childInstances []docstore.Document
		for _, inst := range instances {
			related, err := s.store.Traverse(ctx, node.InstanceType, inst.ID(), child.Edge)
			if err != nil {
				return syncerr.New("graph.walk", syncerr.KindOf(err), err,
					"parent_type", node.InstanceType, "edge", child.Edge)
			}
			childInstances = append(childInstances, related...)
		}
		if len(childInstances) == 0 {
			continue
		}
		if err := s.walk(ctx, child, childInstances, tstamp, out); err != nil {
			return err
		}
	}
	return nil
}

// mark stamps the reserved fields on a freshly-fetched instance the
// way the reference's StateModel._mark does, without mutating the
// caller's copy.
func mark(doc docstore.Document, node *Node, tstamp float64) docstore.Document {
	d := doc.Clone()
	d["_instance_type"] = node.InstanceType
	d["_tstamp"] = tstamp
	d["_operation"] = docstore.OperationInitialState
	if node.UserKey != "" {
		if v, ok := doc[node.UserKey]; ok {
			if user, ok := v.(string); ok {
				d["_user_key"] = user
			}
		}
	}
	return d
}
