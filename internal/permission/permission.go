// Package permission resolves what a user may do on a server.
//
// Three trust levels exist: platform admins, the server owner and
// delegated subusers. Admins and owners receive the fixed Admin set;
// subusers receive their stored grants (plus websocket.connect) or the
// DefaultSubuser baseline when nothing was granted.
package permission

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"fleet-panel/internal/apperr"
)

const WebsocketConnect = "websocket.connect"

// Admin is the closed superset handed to admins and owners.
var Admin = []string{
	"control.console",
	"control.start",
	"control.stop",
	"control.restart",
	WebsocketConnect,
	"admin.websocket.errors",
	"admin.websocket.install",
	"admin.websocket.transfer",
	"file.read",
	"file.write",
	"file.delete",
	"file.rename",
	"file.download",
	"file.upload",
	"file.copy",
	"file.create",
	"file.chmod",
	"file.compress",
	"file.decompress",
	"file.pull",
}

// DefaultSubuser is the operational baseline for subusers without
// explicit grants.
var DefaultSubuser = []string{
	"control.console",
	"control.start",
	"control.stop",
	"control.restart",
	WebsocketConnect,
	"file.read",
	"file.write",
	"file.download",
	"file.upload",
	"file.copy",
}

// Set is a deduplicated, sorted list of permission names. The zero value
// is the empty set.
type Set struct {
	items []string
}

// namePattern accepts "group.action" names and "group.*" wildcards.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z][a-z0-9_-]*)*\.([a-z][a-z0-9_-]*|\*)$`)

// ValidName reports whether p is a well-formed permission name.
func ValidName(p string) bool {
	return namePattern.MatchString(p)
}

// NewSet builds a set from perms, dropping blank and malformed names.
func NewSet(perms ...string) Set {
	seen := make(map[string]struct{}, len(perms))
	items := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if !ValidName(p) {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		items = append(items, p)
	}
	sort.Strings(items)
	return Set{items: items}
}

// ParseNames builds a set from caller input and rejects the first
// malformed name instead of dropping it.
func ParseNames(perms []string) (Set, error) {
	for _, p := range perms {
		if !ValidName(strings.TrimSpace(p)) {
			return Set{}, apperr.Wrap(apperr.ErrInvalidInput, "invalid permission %q", p)
		}
	}
	return NewSet(perms...), nil
}

// ParseSet decodes a stored JSON array of permission names. Anything that
// is not a JSON array degrades to the empty set; non-string and blank
// entries are dropped.
func ParseSet(raw string) Set {
	if strings.TrimSpace(raw) == "" {
		return Set{}
	}
	var values []any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return Set{}
	}
	perms := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			perms = append(perms, s)
		}
	}
	return NewSet(perms...)
}

// Encode renders the set in the form ParseSet reads.
func (s Set) Encode() string {
	items := s.items
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func (s Set) Len() int { return len(s.items) }

func (s Set) Empty() bool { return len(s.items) == 0 }

func (s Set) Has(p string) bool {
	i := sort.SearchStrings(s.items, p)
	return i < len(s.items) && s.items[i] == p
}

// List returns a copy of the permissions in sorted order.
func (s Set) List() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

func (s Set) With(perms ...string) Set {
	return NewSet(append(s.List(), perms...)...)
}

// Contains reports whether every permission of other is in s.
func (s Set) Contains(other Set) bool {
	for _, p := range other.items {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

func (s Set) MarshalJSON() ([]byte, error) {
	return []byte(s.Encode()), nil
}
