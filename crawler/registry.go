package crawler

import "github.com/yairfalse/vahti/types"

// TypeSpec declares what the crawler may do with one resource type:
// which child types to descend into and whether an IAM policy can be
// fetched. This registry is the polymorphism point; resource kinds are
// registry entries, not a class hierarchy.
type TypeSpec struct {
	ChildTypes   []string
	HasIAMPolicy bool
}

// Registry maps resource types to their crawl capabilities. Populated
// at process start; read-only during a crawl.
type Registry struct {
	specs map[string]TypeSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]TypeSpec)}
}

// Register adds or replaces a type spec.
func (r *Registry) Register(resourceType string, spec TypeSpec) {
	r.specs[resourceType] = spec
}

// Spec looks up a type's capabilities.
func (r *Registry) Spec(resourceType string) (TypeSpec, bool) {
	spec, ok := r.specs[resourceType]
	return spec, ok
}

// PermitsChild reports whether childType may appear under parentType.
func (r *Registry) PermitsChild(parentType, childType string) bool {
	spec, ok := r.specs[parentType]
	if !ok {
		return false
	}
	for _, t := range spec.ChildTypes {
		if t == childType {
			return true
		}
	}
	return false
}

// DefaultRegistry returns the standard resource hierarchy.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(types.TypeOrganization, TypeSpec{
		ChildTypes:   []string{types.TypeFolder, types.TypeProject},
		HasIAMPolicy: true,
	})
	r.Register(types.TypeFolder, TypeSpec{
		ChildTypes:   []string{types.TypeFolder, types.TypeProject},
		HasIAMPolicy: true,
	})
	r.Register(types.TypeProject, TypeSpec{
		ChildTypes: []string{
			types.TypeBucket,
			types.TypeFirewall,
			types.TypeInstance,
			types.TypeNetwork,
			types.TypeDataset,
			types.TypeKMSKey,
			types.TypeServiceAccount,
			types.TypeLien,
		},
		HasIAMPolicy: true,
	})
	r.Register(types.TypeBucket, TypeSpec{HasIAMPolicy: true})
	r.Register(types.TypeDataset, TypeSpec{HasIAMPolicy: true})
	r.Register(types.TypeKMSKey, TypeSpec{HasIAMPolicy: true})
	r.Register(types.TypeServiceAccount, TypeSpec{HasIAMPolicy: true})
	r.Register(types.TypeFirewall, TypeSpec{})
	r.Register(types.TypeInstance, TypeSpec{})
	r.Register(types.TypeNetwork, TypeSpec{ChildTypes: []string{types.TypeSubnetwork}})
	r.Register(types.TypeSubnetwork, TypeSpec{})
	r.Register(types.TypeLien, TypeSpec{})

	return r
}
