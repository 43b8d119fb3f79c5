// Package model turns a snapshot into a queryable access graph:
// resource ancestry, IAM bindings and role expansion, answering
// "who can access what".
package model

import (
	"context"
	"fmt"

	"github.com/google/btree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/inventory"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// entry pairs a resource with its policy inside the graph index.
type entry struct {
	Resource types.Resource
	Policy   *types.IAMPolicy
}

// Graph is the in-memory view of one snapshot cycle. Resources are
// referenced by full-name string, never by pointer, so entries from
// different cycles can never be conflated.
type Graph struct {
	cycle types.InventoryCycle
	index *btree.BTreeG[*entry]
	// children maps a parent full name to its direct children.
	children map[string][]string
	roles    *RoleCatalog

	logger *telemetry.Logger
	tracer trace.Tracer
}

// FromSnapshot loads a cycle into a graph. The snapshot is immutable
// once its cycle completed, so the graph never needs refreshing.
func FromSnapshot(ctx context.Context, store inventory.CycleReader, cycleID int64) (*Graph, error) {
	tracer := otel.Tracer("model")
	ctx, span := tracer.Start(ctx, "model.from_snapshot",
		trace.WithAttributes(attribute.Int64("cycle.id", cycleID)))
	defer span.End()

	cycle, err := store.GetCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if !cycle.Status.Terminal() {
		return nil, fmt.Errorf("cycle %d is still %s", cycleID, cycle.Status)
	}

	g := &Graph{
		cycle: cycle,
		index: btree.NewG[*entry](32, func(a, b *entry) bool {
			return a.Resource.FullName < b.Resource.FullName
		}),
		children: make(map[string][]string),
		roles:    NewRoleCatalog(),
		logger:   telemetry.NewLogger("model"),
		tracer:   tracer,
	}

	err = store.IterateResources(ctx, cycleID, "", func(r types.Resource, p *types.IAMPolicy) error {
		g.index.ReplaceOrInsert(&entry{Resource: r, Policy: p})
		if r.Parent != "" {
			g.children[r.Parent] = append(g.children[r.Parent], r.FullName)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	g.logger.WithContext(ctx).Info().
		Int64("cycle_id", cycleID).
		Int("resources", g.index.Len()).
		Msg("model graph built")

	return g, nil
}

// Cycle returns the cycle this graph was built from.
func (g *Graph) Cycle() types.InventoryCycle {
	return g.cycle
}

// Len returns the number of resources in the graph.
func (g *Graph) Len() int {
	return g.index.Len()
}

// Resource looks up a resource by full name.
func (g *Graph) Resource(fullName string) (types.Resource, bool) {
	e, ok := g.lookup(fullName)
	if !ok {
		return types.Resource{}, false
	}
	return e.Resource, true
}

// Policy returns a resource's IAM policy, nil if it has none.
func (g *Graph) Policy(fullName string) *types.IAMPolicy {
	e, ok := g.lookup(fullName)
	if !ok {
		return nil
	}
	return e.Policy
}

// Children returns a resource's direct children.
func (g *Graph) Children(fullName string) []types.Resource {
	var out []types.Resource
	for _, name := range g.children[fullName] {
		if e, ok := g.lookup(name); ok {
			out = append(out, e.Resource)
		}
	}
	return out
}

// Walk visits every resource in full-name order.
func (g *Graph) Walk(fn func(types.Resource, *types.IAMPolicy) bool) {
	g.index.Ascend(func(e *entry) bool {
		return fn(e.Resource, e.Policy)
	})
}

// Ancestry returns the entries on a resource's ancestry chain, self
// first, skipping ancestors absent from the snapshot.
func (g *Graph) Ancestry(fullName string) []*entry {
	e, ok := g.lookup(fullName)
	if !ok {
		return nil
	}

	var chain []*entry
	for _, name := range e.Resource.Ancestors() {
		if ancestor, ok := g.lookup(name); ok {
			chain = append(chain, ancestor)
		}
	}
	return chain
}

// Node builds the subtree view rooted at a resource, for tree
// comparison. The returned nodes belong to the caller.
func (g *Graph) Node(fullName string) (*ResourceNode, bool) {
	e, ok := g.lookup(fullName)
	if !ok {
		return nil, false
	}

	node := &ResourceNode{Resource: e.Resource}
	for _, childName := range g.children[fullName] {
		if child, ok := g.Node(childName); ok {
			node.Children = append(node.Children, child)
		}
	}
	return node, true
}

// Roles returns the graph's role catalog.
func (g *Graph) Roles() *RoleCatalog {
	return g.roles
}

func (g *Graph) lookup(fullName string) (*entry, bool) {
	return g.index.Get(&entry{Resource: types.Resource{FullName: fullName}})
}
