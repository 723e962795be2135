package kinds

import (
	"fmt"
	"strings"

	"github.com/lodestonehq/lattice/internal/store"
)

// Role grades an actor's membership in a containment tree.
type Role string

const (
	// RoleOwner may administer the tree, including destructive operations.
	RoleOwner Role = "owner"
	// RoleEditor may create and mutate content inside the tree.
	RoleEditor Role = "editor"
	// RoleViewer may only read.
	RoleViewer Role = "viewer"
)

// Actor is the authenticated principal attempting an operation.
type Actor struct {
	UserID   store.ActorID
	DeviceID store.DeviceID
	// Memberships maps root object ids to the actor's role in that tree.
	Memberships map[string]Role
}

// ParseRole maps a stored role name to a Role. Unknown names grant nothing.
func ParseRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleOwner:
		return RoleOwner
	case RoleEditor:
		return RoleEditor
	case RoleViewer:
		return RoleViewer
	default:
		return ""
	}
}

// RoleFor returns the actor's role for the given root, RoleViewer-below
// ("") when absent.
func (a Actor) RoleFor(rootID string) Role {
	if a.Memberships == nil {
		return ""
	}
	return a.Memberships[rootID]
}

// Chain is the resolved ancestor path from an object to its containment root,
// nearest ancestor first.
type Chain []store.Object

// RootID returns the id of the chain's root, or empty for an empty chain.
func (c Chain) RootID() string {
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1].RootID
}

// SchemaError reports attributes rejected by a kind's validation.
type SchemaError struct {
	Kind   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("kinds: %s attributes invalid: %s", e.Kind, e.Reason)
}

// Kind is the capability set for one object type: permission predicates over
// the resolved ancestor chain, derived index extraction, and attribute
// validation.
type Kind interface {
	Tag() string
	CanCreate(actor Actor, chain Chain, attributes map[string]any) bool
	CanUpdate(actor Actor, chain Chain, attributes map[string]any) bool
	CanDelete(actor Actor, chain Chain, attributes map[string]any) bool
	Name(attributes map[string]any) string
	Text(attributes map[string]any) string
	Validate(attributes map[string]any) error
}

// Registry dispatches kind behavior through a lookup table keyed by tag.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry returns a registry preloaded with the built-in kinds.
func NewRegistry() *Registry {
	registry := &Registry{kinds: make(map[string]Kind)}
	registry.Register(spaceKind{})
	registry.Register(channelKind{})
	registry.Register(pageKind{})
	registry.Register(recordKind{})
	return registry
}

// Register adds or replaces a kind in the lookup table.
func (r *Registry) Register(kind Kind) {
	r.kinds[kind.Tag()] = kind
}

// Lookup resolves a kind by tag. Unknown tags resolve to a default-deny kind
// so callers fail closed with a terminal deny instead of a retried error.
func (r *Registry) Lookup(tag string) Kind {
	trimmed := strings.TrimSpace(tag)
	kind, ok := r.kinds[trimmed]
	if !ok {
		return deniedKind{tag: trimmed}
	}
	return kind
}

// deniedKind stands in for unregistered tags: every permission predicate
// refuses and validation rejects the attributes outright.
type deniedKind struct {
	tag string
}

func (k deniedKind) Tag() string { return k.tag }

func (deniedKind) CanCreate(Actor, Chain, map[string]any) bool { return false }

func (deniedKind) CanUpdate(Actor, Chain, map[string]any) bool { return false }

func (deniedKind) CanDelete(Actor, Chain, map[string]any) bool { return false }

func (deniedKind) Name(map[string]any) string { return "" }

func (deniedKind) Text(map[string]any) string { return "" }

func (k deniedKind) Validate(map[string]any) error {
	return &SchemaError{Kind: k.tag, Reason: "unknown kind"}
}

func stringAttribute(attributes map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := attributes[key].(string); ok {
			return value
		}
	}
	return ""
}

func requireStringAttribute(tag string, attributes map[string]any, key string) error {
	value, ok := attributes[key]
	if !ok {
		return &SchemaError{Kind: tag, Reason: fmt.Sprintf("missing %q", key)}
	}
	text, ok := value.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return &SchemaError{Kind: tag, Reason: fmt.Sprintf("%q must be a non-empty string", key)}
	}
	return nil
}

func roleAtLeast(actual Role, minimum Role) bool {
	rank := func(role Role) int {
		switch role {
		case RoleOwner:
			return 3
		case RoleEditor:
			return 2
		case RoleViewer:
			return 1
		default:
			return 0
		}
	}
	return rank(actual) >= rank(minimum)
}

// spaceKind is the root container. Anyone may create a space; administering
// it requires ownership.
type spaceKind struct{}

func (spaceKind) Tag() string { return "space" }

func (spaceKind) CanCreate(actor Actor, _ Chain, _ map[string]any) bool {
	return actor.UserID != ""
}

func (spaceKind) CanUpdate(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleOwner)
}

func (spaceKind) CanDelete(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleOwner)
}

func (spaceKind) Name(attributes map[string]any) string {
	return stringAttribute(attributes, "name")
}

func (spaceKind) Text(attributes map[string]any) string {
	return stringAttribute(attributes, "description")
}

func (k spaceKind) Validate(attributes map[string]any) error {
	return requireStringAttribute(k.Tag(), attributes, "name")
}

type channelKind struct{}

func (channelKind) Tag() string { return "channel" }

func (channelKind) CanCreate(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleEditor)
}

func (channelKind) CanUpdate(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleEditor)
}

func (channelKind) CanDelete(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleOwner)
}

func (channelKind) Name(attributes map[string]any) string {
	return stringAttribute(attributes, "name")
}

func (channelKind) Text(attributes map[string]any) string {
	return stringAttribute(attributes, "topic")
}

func (k channelKind) Validate(attributes map[string]any) error {
	return requireStringAttribute(k.Tag(), attributes, "name")
}

type pageKind struct{}

func (pageKind) Tag() string { return "page" }

func (pageKind) CanCreate(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleEditor)
}

func (pageKind) CanUpdate(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleEditor)
}

func (pageKind) CanDelete(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleEditor)
}

func (pageKind) Name(attributes map[string]any) string {
	return stringAttribute(attributes, "title", "name")
}

func (pageKind) Text(attributes map[string]any) string {
	return stringAttribute(attributes, "body")
}

func (pageKind) Validate(attributes map[string]any) error {
	if value, ok := attributes["title"]; ok {
		if _, isString := value.(string); !isString {
			return &SchemaError{Kind: "page", Reason: `"title" must be a string`}
		}
	}
	return nil
}

type recordKind struct{}

func (recordKind) Tag() string { return "record" }

func (recordKind) CanCreate(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleEditor)
}

func (recordKind) CanUpdate(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleEditor)
}

func (recordKind) CanDelete(actor Actor, chain Chain, _ map[string]any) bool {
	return roleAtLeast(actor.RoleFor(chain.RootID()), RoleEditor)
}

func (recordKind) Name(attributes map[string]any) string {
	return stringAttribute(attributes, "name", "title")
}

func (recordKind) Text(attributes map[string]any) string {
	return stringAttribute(attributes, "text", "body")
}

func (recordKind) Validate(_ map[string]any) error {
	return nil
}
