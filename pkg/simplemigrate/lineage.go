package simplemigrate

import (
	"fmt"
	"slices"
	"strings"
)

// Chain is the revision-ordered sequence of identifiers sharing one GroupKey.
type Chain struct {
	Key     GroupKey
	Members []Identifier
	// Warnings holds one DuplicateRevision error per repeated revision
	Warnings []error
}

// Len returns the number of revisions in the chain.
func (c *Chain) Len() int {
	return len(c.Members)
}

// HasDuplicates reports whether two members share a revision.
func (c *Chain) HasDuplicates() bool {
	return len(c.Warnings) > 0
}

// String renders the chain as "key - [pid rev, ...]".
func (c *Chain) String() string {
	items := make([]string, len(c.Members))
	for i, m := range c.Members {
		items[i] = fmt.Sprintf("%s %d", m.Raw, m.Revision)
	}
	return fmt.Sprintf("%s - [%s]", c.Key, strings.Join(items, ", "))
}

// Chains maps each grouping key to its chain. Callers must treat chains as
// independent units of work; iteration order carries no meaning.
type Chains map[GroupKey]*Chain

// Keys returns the keys sorted by scope then local id, for reporting.
func (cs Chains) Keys() []GroupKey {
	keys := make([]GroupKey, 0, len(cs))
	for k := range cs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b GroupKey) int {
		if c := strings.Compare(a.Scope, b.Scope); c != 0 {
			return c
		}
		return strings.Compare(a.LocalID, b.LocalID)
	})
	return keys
}

// Members returns the total number of identifiers across all chains.
func (cs Chains) Members() int {
	n := 0
	for _, c := range cs {
		n += c.Len()
	}
	return n
}

// LineageBuilder accumulates identifiers in delivery order and groups them.
type LineageBuilder struct {
	limit    int
	accepted int
	groups   map[GroupKey][]Identifier
}

// NewLineageBuilder creates a builder that accepts at most limit identifiers.
// A limit <= 0 accepts the whole catalog.
func NewLineageBuilder(limit int) *LineageBuilder {
	return &LineageBuilder{
		limit:  limit,
		groups: make(map[GroupKey][]Identifier),
	}
}

// Add accepts id unless the limit has been reached. It returns false once
// the builder is full; callers should stop consuming the catalog then.
func (b *LineageBuilder) Add(id Identifier) bool {
	if b.Full() {
		return false
	}
	key := id.Key()
	b.groups[key] = append(b.groups[key], id)
	b.accepted++
	return true
}

// Full reports whether the limit has been reached.
func (b *LineageBuilder) Full() bool {
	return b.limit > 0 && b.accepted >= b.limit
}

// Accepted returns the number of identifiers accepted so far.
func (b *LineageBuilder) Accepted() int {
	return b.accepted
}

// Chains sorts every group by revision and returns the result.
func (b *LineageBuilder) Chains() Chains {
	chains := make(Chains, len(b.groups))
	for key, ids := range b.groups {
		members := slices.Clone(ids)
		slices.SortStableFunc(members, func(a, b Identifier) int {
			return a.Revision - b.Revision
		})

		chain := &Chain{Key: key, Members: members}
		for i := 1; i < len(members); i++ {
			prev, cur := members[i-1], members[i]
			if prev.Revision != cur.Revision {
				continue
			}
			chain.Warnings = append(chain.Warnings, &MigrationError{
				Kind:  KindDuplicateRevision,
				PID:   cur.Raw,
				Stage: StageLineage,
				Err:   fmt.Errorf("revision %d of %s also used by %s", cur.Revision, key, prev.Raw),
			})
		}
		chains[key] = chain
	}
	return chains
}

// BuildChains groups ids into revision-ordered chains, accepting at most
// limit identifiers (all of them when limit <= 0).
func BuildChains(ids []Identifier, limit int) Chains {
	b := NewLineageBuilder(limit)
	for _, id := range ids {
		if !b.Add(id) {
			break
		}
	}
	return b.Chains()
}
