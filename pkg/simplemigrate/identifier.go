package simplemigrate

import (
	"fmt"
	"strconv"
	"strings"
)

// GroupKey identifies all revisions of one logical data package.
type GroupKey struct {
	Scope   string
	LocalID string
}

func (k GroupKey) String() string {
	return k.Scope + "." + k.LocalID
}

// Identifier is a parsed identifier. It is immutable once parsed.
type Identifier struct {
	// Raw is the full identifier as listed by the catalog
	Raw string
	// Canonical is the last path segment of Raw
	Canonical string
	Scope     string
	LocalID   string
	Revision  int
}

// Key returns the grouping key shared by all revisions of the package.
func (id Identifier) Key() GroupKey {
	return GroupKey{Scope: id.Scope, LocalID: id.LocalID}
}

func (id Identifier) String() string {
	return id.Raw
}

// ParseIdentifier splits raw into scope, local id and revision. The last
// path segment must have exactly three dot-delimited parts and the third
// must be a non-negative decimal integer.
func ParseIdentifier(raw string) (Identifier, error) {
	canonical := raw
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		canonical = raw[i+1:]
	}

	parts := strings.Split(canonical, ".")
	if len(parts) != 3 {
		return Identifier{}, malformed(raw, fmt.Errorf("expected scope.localId.revision, got %d part(s) in %q", len(parts), canonical))
	}
	if parts[0] == "" || parts[1] == "" {
		return Identifier{}, malformed(raw, fmt.Errorf("empty scope or local id in %q", canonical))
	}

	// ParseUint rejects signs, so "+1" and "-1" are both malformed
	rev, err := strconv.ParseUint(parts[2], 10, 31)
	if err != nil {
		return Identifier{}, malformed(raw, fmt.Errorf("revision %q: %w", parts[2], err))
	}

	return Identifier{
		Raw:       raw,
		Canonical: canonical,
		Scope:     parts[0],
		LocalID:   parts[1],
		Revision:  int(rev),
	}, nil
}

func malformed(raw string, err error) error {
	return &MigrationError{
		Kind:  KindMalformedIdentifier,
		PID:   raw,
		Stage: StageParse,
		Err:   err,
	}
}
