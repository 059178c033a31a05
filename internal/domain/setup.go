package domain

import (
	"fmt"
	"strings"
)

// Scope identifies where a mirror artifact is enforced.
type Scope string

const (
	// ScopeGlobal is the edge (CloudFront) scope.
	ScopeGlobal Scope = "CLOUDFRONT"
	// ScopeRegional is the regional scope.
	ScopeRegional Scope = "REGIONAL"
)

// notApplicable is the stored form of a mirror that does not exist in this deployment.
const notApplicable = "n/a"

// MirrorRef points at an external mirror artifact. The zero value means the
// mirror is not applicable in this deployment.
type MirrorRef struct {
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
	Scope Scope  `json:"scope,omitempty"`
}

// NotApplicable reports whether the ref is the "no mirror" sentinel.
func (r MirrorRef) NotApplicable() bool {
	return r.Name == ""
}

// String renders the ref as name|id|scope.
func (r MirrorRef) String() string {
	if r.NotApplicable() {
		return notApplicable
	}
	return strings.Join([]string{r.Name, r.ID, string(r.Scope)}, "|")
}

// ParseMirrorRef parses the name|id|scope form. Empty input and "n/a" yield the
// not-applicable sentinel.
func ParseMirrorRef(s string) (MirrorRef, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == notApplicable {
		return MirrorRef{}, nil
	}
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return MirrorRef{}, fmt.Errorf("mirror ref %q must be name|id|scope: %w", s, ErrInvalidInput)
	}
	scope := Scope(strings.ToUpper(parts[2]))
	if scope != ScopeGlobal && scope != ScopeRegional {
		return MirrorRef{}, fmt.Errorf("mirror ref %q has unknown scope: %w", s, ErrInvalidInput)
	}
	return MirrorRef{Name: parts[0], ID: parts[1], Scope: scope}, nil
}

// SetupRecord holds bootstrap state and the mirror artifact identifiers.
type SetupRecord struct {
	Bootstrapped   bool      `json:"bootstrapped"`
	BootstrappedAt string    `json:"bootstrappedAt"`
	GlobalMirror   MirrorRef `json:"globalMirror"`
	RegionalMirror MirrorRef `json:"regionalMirror"`
}

// Mirrors returns the refs that are applicable, global first.
func (s *SetupRecord) Mirrors() []MirrorRef {
	var refs []MirrorRef
	for _, ref := range []MirrorRef{s.GlobalMirror, s.RegionalMirror} {
		if !ref.NotApplicable() {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Item converts the setup record into its storage shape.
func (s *SetupRecord) Item() *Item {
	item := &Item{
		PK:             SetupKey,
		Date:           s.BootstrappedAt,
		GlobalMirror:   s.GlobalMirror.String(),
		RegionalMirror: s.RegionalMirror.String(),
	}
	if s.Bootstrapped {
		item.Rule = 1
	}
	return item
}

// SetupFromItem converts a stored item back into a setup record.
func SetupFromItem(item *Item) (*SetupRecord, error) {
	global, err := ParseMirrorRef(item.GlobalMirror)
	if err != nil {
		return nil, fmt.Errorf("global mirror: %w", err)
	}
	regional, err := ParseMirrorRef(item.RegionalMirror)
	if err != nil {
		return nil, fmt.Errorf("regional mirror: %w", err)
	}
	return &SetupRecord{
		Bootstrapped:   item.Rule == 1,
		BootstrappedAt: item.Date,
		GlobalMirror:   global,
		RegionalMirror: regional,
	}, nil
}
