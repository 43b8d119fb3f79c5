package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Resource type vocabulary. Full names are built from these segments.
const (
	TypeOrganization   = "organization"
	TypeFolder         = "folder"
	TypeProject        = "project"
	TypeBucket         = "bucket"
	TypeFirewall       = "firewall"
	TypeInstance       = "instance"
	TypeNetwork        = "network"
	TypeSubnetwork     = "subnetwork"
	TypeKMSKey         = "kms_key"
	TypeDataset        = "dataset"
	TypeServiceAccount = "serviceaccount"
	TypeLien           = "lien"
)

// Resource is one discovered cloud entity, immutable once written to a
// snapshot cycle. Identity is (Type, FullName); Data is the raw payload
// and may legitimately differ between cycles for the same identity.
type Resource struct {
	Type        string          `json:"type"`
	FullName    string          `json:"full_name"`
	Parent      string          `json:"parent,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
	CollectedAt time.Time       `json:"collected_at"`
}

// Key returns the identity key used by the snapshot store.
func (r Resource) Key() string {
	return r.Type + "|" + r.FullName
}

// Equal reports identity equality. Content is not part of identity.
func (r Resource) Equal(other Resource) bool {
	return r.Type == other.Type && r.FullName == other.FullName
}

// ID returns the last segment of the full name, e.g. "789" for
// "organization/123/project/789".
func (r Resource) ID() string {
	i := strings.LastIndex(r.FullName, "/")
	if i < 0 {
		return r.FullName
	}
	return r.FullName[i+1:]
}

// Ancestors returns the ancestry chain from self up to the root,
// self first. Full names are ancestry-qualified paths with
// alternating type/id segments: "organization/123/folder/456/project/789".
func (r Resource) Ancestors() []string {
	segments := strings.Split(r.FullName, "/")
	var chain []string
	for i := len(segments); i >= 2; i -= 2 {
		chain = append(chain, strings.Join(segments[:i], "/"))
	}
	return chain
}

// FullNameFor builds a child's full name under a parent path.
func FullNameFor(parent, resourceType, id string) string {
	if parent == "" {
		return resourceType + "/" + id
	}
	return parent + "/" + resourceType + "/" + id
}
