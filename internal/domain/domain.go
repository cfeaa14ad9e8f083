package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the dashboard a user is allowed to operate.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleCurator   Role = "curator"
	RoleInspector Role = "inspector"
)

// ParseRole normalizes a role name and rejects unknown values.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleCurator:
		return RoleCurator, nil
	case RoleInspector:
		return RoleInspector, nil
	}
	return "", fmt.Errorf("domain: unknown role %q", value)
}

// ResourceClass names one of the remote collections mirrored by the local cache.
type ResourceClass string

const (
	ClassObjects    ResourceClass = "objects"
	ClassTasks      ResourceClass = "tasks"
	ClassCurators   ResourceClass = "curators"
	ClassInspectors ResourceClass = "inspectors"
)

// Classes lists every cached resource class in a stable order.
func Classes() []ResourceClass {
	return []ResourceClass{ClassObjects, ClassTasks, ClassCurators, ClassInspectors}
}

// ParseClass resolves a resource class name.
func ParseClass(value string) (ResourceClass, bool) {
	class := ResourceClass(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Classes() {
		if known == class {
			return class, true
		}
	}
	return "", false
}

// Record is a single document read from the remote store. Data holds the
// document fields exactly as the store returned them.
type Record struct {
	ID   string         `json:"id" cbor:"id"`
	Data map[string]any `json:"data" cbor:"data"`
}

// Clone returns a copy whose top-level field map can be mutated freely.
func (r Record) Clone() Record {
	out := Record{ID: r.ID}
	if r.Data != nil {
		out.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return out
}

// CloneRecords copies a record sequence preserving order.
func CloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, rec := range in {
		out[i] = rec.Clone()
	}
	return out
}

// Object is a guarded site.
type Object struct {
	ID        string  `mapstructure:"id" json:"id"`
	Name      string  `mapstructure:"name" json:"name"`
	Address   string  `mapstructure:"address" json:"address"`
	Latitude  float64 `mapstructure:"lat" json:"lat"`
	Longitude float64 `mapstructure:"lng" json:"lng"`
	CuratorID string  `mapstructure:"curatorId" json:"curatorId"`
}

// Task is an inspection assignment for an object.
type Task struct {
	ID          string    `mapstructure:"id" json:"id"`
	ObjectID    string    `mapstructure:"objectId" json:"objectId"`
	InspectorID string    `mapstructure:"inspectorId" json:"inspectorId"`
	Status      string    `mapstructure:"status" json:"status"`
	DueAt       time.Time `mapstructure:"dueAt" json:"dueAt,omitzero"`
	Notes       string    `mapstructure:"notes" json:"notes"`
}

// Curator supervises a set of objects.
type Curator struct {
	ID        string   `mapstructure:"id" json:"id"`
	Name      string   `mapstructure:"name" json:"name"`
	Phone     string   `mapstructure:"phone" json:"phone"`
	ObjectIDs []string `mapstructure:"objectIds" json:"objectIds"`
}

// Inspector performs on-site checks.
type Inspector struct {
	ID        string `mapstructure:"id" json:"id"`
	Name      string `mapstructure:"name" json:"name"`
	Phone     string `mapstructure:"phone" json:"phone"`
	CuratorID string `mapstructure:"curatorId" json:"curatorId"`
	Active    bool   `mapstructure:"active" json:"active"`
}
