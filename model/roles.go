package model

// RoleCatalog is the static role to permission expansion used by access
// queries. Maintained as model data; callers never hand-code the
// mapping. Custom roles discovered in a snapshot are added with AddRole.
type RoleCatalog struct {
	perms map[string][]string
}

// NewRoleCatalog returns a catalog seeded with the common predefined
// roles.
func NewRoleCatalog() *RoleCatalog {
	c := &RoleCatalog{perms: make(map[string][]string)}

	c.AddRole("roles/owner",
		"resourcemanager.projects.get", "resourcemanager.projects.update",
		"resourcemanager.projects.delete", "resourcemanager.projects.setIamPolicy",
		"storage.buckets.get", "storage.buckets.update", "storage.buckets.delete",
		"storage.objects.get", "storage.objects.create", "storage.objects.delete",
		"compute.instances.get", "compute.instances.setMetadata", "compute.instances.delete",
		"compute.firewalls.get", "compute.firewalls.update", "compute.firewalls.delete",
	)
	c.AddRole("roles/editor",
		"resourcemanager.projects.get", "resourcemanager.projects.update",
		"storage.buckets.get", "storage.buckets.update",
		"storage.objects.get", "storage.objects.create", "storage.objects.delete",
		"compute.instances.get", "compute.instances.setMetadata",
		"compute.firewalls.get", "compute.firewalls.update",
	)
	c.AddRole("roles/viewer",
		"resourcemanager.projects.get",
		"storage.buckets.get", "storage.objects.get",
		"compute.instances.get", "compute.firewalls.get",
	)
	c.AddRole("roles/storage.admin",
		"storage.buckets.get", "storage.buckets.update", "storage.buckets.delete",
		"storage.buckets.setIamPolicy",
		"storage.objects.get", "storage.objects.create", "storage.objects.delete",
	)
	c.AddRole("roles/storage.objectViewer", "storage.objects.get", "storage.objects.list")
	c.AddRole("roles/storage.objectCreator", "storage.objects.create")
	c.AddRole("roles/compute.networkAdmin",
		"compute.firewalls.get", "compute.firewalls.update", "compute.firewalls.delete",
		"compute.networks.get", "compute.networks.update",
	)
	c.AddRole("roles/iam.serviceAccountUser", "iam.serviceAccounts.actAs", "iam.serviceAccounts.get")

	return c
}

// AddRole registers a role with its permission set, replacing any
// previous entry. Used for custom roles found in a snapshot.
func (c *RoleCatalog) AddRole(role string, permissions ...string) {
	c.perms[role] = permissions
}

// Permissions returns a role's permission set, nil if unknown.
func (c *RoleCatalog) Permissions(role string) []string {
	return c.perms[role]
}

// GrantsAny reports whether a role grants at least one of the requested
// permissions.
func (c *RoleCatalog) GrantsAny(role string, requested []string) bool {
	have := c.perms[role]
	for _, p := range have {
		for _, want := range requested {
			if p == want {
				return true
			}
		}
	}
	return false
}

// RolesGranting returns every known role granting a permission.
func (c *RoleCatalog) RolesGranting(permission string) []string {
	var roles []string
	for role, perms := range c.perms {
		for _, p := range perms {
			if p == permission {
				roles = append(roles, role)
				break
			}
		}
	}
	return roles
}
