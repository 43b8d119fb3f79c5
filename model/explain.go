package model

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/types"
)

// GroupMember is one member of a group, as reported by the external
// group-membership resolver.
type GroupMember struct {
	ID   string
	Type string // user, group or serviceAccount
	Role string // membership role inside the group, e.g. MEMBER, OWNER
}

// GroupResolver resolves direct group membership. Only consulted when
// expand_groups is requested.
type GroupResolver interface {
	Members(ctx context.Context, groupID string) ([]GroupMember, error)
}

// TimeFilter restricts access resolution to resources created within
// [Start, End]. Resources without a creation time are included only
// when ListUntimed is set; the in-range / out-of-range / untimed
// tri-state is deliberate.
type TimeFilter struct {
	Start       time.Time
	End         time.Time
	ListUntimed bool
}

// Includes applies the tri-state check.
func (f *TimeFilter) Includes(r types.Resource) bool {
	if r.CreatedAt.IsZero() {
		return f.ListUntimed
	}
	if !f.Start.IsZero() && r.CreatedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && r.CreatedAt.After(f.End) {
		return false
	}
	return true
}

// ExplainRequest asks who holds any of the permissions on a resource.
type ExplainRequest struct {
	ResourceName string
	Permissions  []string
	ExpandGroups bool
	TimeFilter   *TimeFilter
}

// Access is one answer row: a member granted a qualifying role, and
// the ancestry resource whose binding granted it.
type Access struct {
	Member    types.Member
	Role      string
	GrantedOn string
	// ViaGroup is set when the member was reached by group expansion.
	ViaGroup string
}

// Explain resolves the resource's ancestry chain, collects every
// inherited binding whose role grants at least one requested
// permission, and optionally expands groups to their transitive user
// members. Bindings on ancestors apply to descendants; there is no
// non-inheritance marker in plain IAM resolution.
func (g *Graph) Explain(ctx context.Context, req ExplainRequest, groups GroupResolver) ([]Access, error) {
	ctx, span := g.tracer.Start(ctx, "model.explain",
		trace.WithAttributes(
			attribute.String("resource", req.ResourceName),
			attribute.StringSlice("permissions", req.Permissions),
			attribute.Bool("expand_groups", req.ExpandGroups)))
	defer span.End()

	chain := g.Ancestry(req.ResourceName)
	if chain == nil {
		return nil, fmt.Errorf("resource %s not in snapshot", req.ResourceName)
	}

	var direct []Access
	for _, e := range chain {
		if req.TimeFilter != nil && !req.TimeFilter.Includes(e.Resource) {
			continue
		}
		if e.Policy == nil {
			continue
		}
		for _, binding := range e.Policy.Bindings {
			if !g.roles.GrantsAny(binding.Role, req.Permissions) {
				continue
			}
			for _, member := range binding.Members {
				direct = append(direct, Access{
					Member:    member,
					Role:      binding.Role,
					GrantedOn: e.Resource.FullName,
				})
			}
		}
	}

	if !req.ExpandGroups {
		return dedupeAccess(direct), nil
	}
	return dedupeAccess(g.expandGroups(ctx, direct, groups)), nil
}

// expandGroups replaces group members with their transitive user and
// service-account members. Each group is visited at most once per
// resolution, so membership cycles terminate.
func (g *Graph) expandGroups(ctx context.Context, accesses []Access, groups GroupResolver) []Access {
	if groups == nil {
		return accesses
	}

	var out []Access
	for _, access := range accesses {
		if access.Member.Kind() != types.MemberGroup {
			out = append(out, access)
			continue
		}
		visited := map[string]bool{}
		out = append(out, g.expandGroup(ctx, access, access.Member.ID(), groups, visited)...)
	}
	return out
}

func (g *Graph) expandGroup(ctx context.Context, access Access, groupID string, groups GroupResolver, visited map[string]bool) []Access {
	if visited[groupID] {
		return nil // cycle: stop at the repeat
	}
	visited[groupID] = true

	members, err := groups.Members(ctx, groupID)
	if err != nil {
		// Recoverable: keep the unexpanded group rather than failing
		// the whole query.
		g.logger.WithContext(ctx).Warn().
			Err(err).
			Str("group", groupID).
			Msg("group expansion failed, keeping group member unexpanded")
		unexpanded := access
		unexpanded.Member = types.Member(types.MemberGroup + ":" + groupID)
		return []Access{unexpanded}
	}

	var out []Access
	for _, m := range members {
		switch m.Type {
		case types.MemberGroup:
			out = append(out, g.expandGroup(ctx, access, m.ID, groups, visited)...)
		case types.MemberUser, types.MemberServiceAccount:
			expanded := access
			expanded.Member = types.Member(m.Type + ":" + m.ID)
			expanded.ViaGroup = access.Member.ID()
			out = append(out, expanded)
		}
	}
	return out
}

// dedupeAccess collapses identical (member, role, granted-on) rows.
func dedupeAccess(accesses []Access) []Access {
	seen := make(map[Access]bool, len(accesses))
	var out []Access
	for _, a := range accesses {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
