// Package graph declares the schema graph a channel projects onto an
// anchor: a tree of typed nodes rooted at the anchor's own instance,
// each child reached by one authoritative.Store.Traverse edge. This is
// the Go-native form of the reference serializer's StateModel tree —
// a global, declared-once registry of "how to walk from this anchor to
// every instance it owns," rather than a query built per request.
package graph

import (
	"fmt"

	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/syncerr"
)

// Node is one declared point in the schema graph. The root node's Edge
// is empty (its instances come from authoritative.Store.Get, not
// Traverse); every other node is reached from its parent's instances
// via Traverse(ctx, parent.InstanceType, parentID, node.Edge).
type Node struct {
	// InstanceType is the flat document's `_instance_type` tag.
	InstanceType string
	// Edge is the authoritative.Store edge name used to reach this
	// node's instances from one instance of its parent.
	Edge string
	// UserKey, when non-empty, names the field on this node's own
	// documents that holds the id of the one user allowed to see it.
	// Its value, not the field name, is copied into the reserved
	// `_user_key` field so every downstream consumer (docstore,
	// delta, router) compares it directly against a connecting user's
	// identity rather than doing a second field lookup.
	UserKey string
	// AnchorKeyField names the field on this node's own documents that
	// holds its owning anchor's id, used by ResolveAnchors to route a
	// delta back to the anchor(s) it belongs to. Required on every
	// non-root node; ignored on the root (whose own id is the anchor).
	AnchorKeyField string
	// Children are the nodes reachable from this one.
	Children []*Node
}

// findNode returns the node declaring instanceType, or nil.
func (n *Node) findNode(instanceType string) *Node {
	if n.InstanceType == instanceType {
		return n
	}
	for _, c := range n.Children {
		if found := c.findNode(instanceType); found != nil {
			return found
		}
	}
	return nil
}

// Graph is a declared schema graph for one channel.
type Graph struct {
	Root *Node
}

// New builds a Graph over root. The tree is expected to be declared
// once at process startup and shared across every connection for the
// channel, matching the reference's one-StateModel-tree-per-channel
// convention.
func New(root *Node) *Graph {
	return &Graph{Root: root}
}

// InstanceTypes lists every declared type in the graph, pre-order, for
// snapshot.Config.InstanceTypes (the HOT-variant read order).
func (g *Graph) InstanceTypes() []string {
	var out []string
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n.InstanceType)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(g.Root)
	return out
}

// UserKeyFor returns the declared UserKey field name for instanceType,
// or "" if the type is undeclared or carries no per-user restriction.
func (g *Graph) UserKeyFor(instanceType string) string {
	node := g.Root.findNode(instanceType)
	if node == nil {
		return ""
	}
	return node.UserKey
}

// ResolveAnchors implements coalescer.AnchorResolver: given a freshly
// written instance, it returns the anchor(s) whose subscribers should
// see the resulting delta. The root type is its own anchor; every other
// declared type carries its owning anchor id in AnchorKeyField, mirroring
// the reference's single-hop anchor_key convention rather than a full
// reverse graph walk — this engine's declared graphs are shallow enough
// that every non-root instance references its anchor directly.
func (g *Graph) ResolveAnchors(doc docstore.Document) ([]string, error) {
	node := g.Root.findNode(doc.InstanceType())
	if node == nil {
		return nil, syncerr.New("graph.ResolveAnchors", syncerr.KindInternalInvariant, nil,
			"instance_type", doc.InstanceType())
	}
	if node == g.Root {
		return []string{doc.ID()}, nil
	}
	if node.AnchorKeyField == "" {
		return nil, syncerr.New("graph.ResolveAnchors", syncerr.KindInternalInvariant, nil,
			"instance_type", doc.InstanceType(), "reason", "no declared anchor key field")
	}
	v, ok := doc[node.AnchorKeyField]
	if !ok {
		return nil, syncerr.New("graph.ResolveAnchors", syncerr.KindInternalInvariant, nil,
			"instance_type", doc.InstanceType(), "field", node.AnchorKeyField, "reason", "field absent")
	}
	anchor, ok := v.(string)
	if !ok {
		return nil, syncerr.New("graph.ResolveAnchors", syncerr.KindInternalInvariant, nil,
			"instance_type", doc.InstanceType(), "field", node.AnchorKeyField, "type", fmt.Sprintf("%T", v))
	}
	return []string{anchor}, nil
}
