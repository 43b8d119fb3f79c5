package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/yairfalse/vahti/types"
)

// ResourceNode wraps a resource with its children for tree-shaped
// comparison. Derived per query session from a snapshot, never
// persisted, discarded when the session ends.
type ResourceNode struct {
	Resource types.Resource
	Children []*ResourceNode
}

// Hash returns a canonical subtree fingerprint: the resource type plus
// the sorted hashes of all children. Child order does not matter.
func (n *ResourceNode) Hash() string {
	h := sha256.New()
	h.Write([]byte(n.Resource.Type))
	h.Write([]byte{0})

	hashes := make([]string, len(n.Children))
	for i, child := range n.Children {
		hashes[i] = child.Hash()
	}
	sort.Strings(hashes)
	for _, ch := range hashes {
		h.Write([]byte(ch))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports unordered structural equality: same type, and after
// sorting children into canonical order, pairwise-equal children.
func (n *ResourceNode) Equal(other *ResourceNode) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Resource.Type != other.Resource.Type {
		return false
	}
	if len(n.Children) != len(other.Children) {
		return false
	}

	a := sortedByHash(n.Children)
	b := sortedByHash(other.Children)
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func sortedByHash(nodes []*ResourceNode) []*ResourceNode {
	out := make([]*ResourceNode, len(nodes))
	copy(out, nodes)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource.Type != out[j].Resource.Type {
			return out[i].Resource.Type < out[j].Resource.Type
		}
		return out[i].Hash() < out[j].Hash()
	})
	return out
}
