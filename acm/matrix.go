// Package acm implements an allowed collision matrix: a symmetric policy table that decides
// which pairs of bodies are permitted to be in contact.
package acm

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"
)

// Type is the policy attached to a pair of bodies or to a default entry.
type Type int

const (
	// Never means contact between the bodies is not allowed.
	Never Type = iota
	// Always means contact between the bodies is allowed.
	Always
	// Conditional means a Predicate decides, given the contact.
	Conditional
)

func (t Type) String() string {
	switch t {
	case Never:
		return "never"
	case Always:
		return "always"
	case Conditional:
		return "conditional"
	default:
		return "unknown"
	}
}

// restrictiveness orders types for combining default entries: Never > Conditional > Always.
func (t Type) restrictiveness() int {
	switch t {
	case Never:
		return 2
	case Conditional:
		return 1
	default:
		return 0
	}
}

// Contact describes a detected contact between two bodies.
type Contact struct {
	BodyA    string
	BodyB    string
	Depth    float64 // penetration depth in meters, positive when the bodies overlap
	Position r3.Vector
}

// Predicate decides whether a specific contact is acceptable.
type Predicate interface {
	Allow(contact Contact) bool
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(contact Contact) bool

// Allow calls f.
func (f PredicateFunc) Allow(contact Contact) bool {
	return f(contact)
}

// MaxDepth allows contacts that penetrate no deeper than the given depth.
type MaxDepth float64

// Allow implements Predicate.
func (m MaxDepth) Allow(contact Contact) bool {
	return contact.Depth <= float64(m)
}

type entry struct {
	kind Type
	pred Predicate
}

// Matrix is the allowed collision matrix. It is not safe for concurrent mutation; components
// that read it from another goroutine hold their own Clone.
type Matrix struct {
	entries  map[string]map[string]entry
	defaults map[string]entry
}

// New returns an empty matrix.
func New() *Matrix {
	return &Matrix{
		entries:  make(map[string]map[string]entry),
		defaults: make(map[string]entry),
	}
}

// NewWithNames returns a matrix where every pair of the given names is set to allowed.
func NewWithNames(names []string, allowed bool) *Matrix {
	m := New()
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			m.SetEntry(names[i], names[j], allowed)
		}
	}
	return m
}

func (m *Matrix) set(a, b string, e entry) {
	if m.entries[a] == nil {
		m.entries[a] = make(map[string]entry)
	}
	if m.entries[b] == nil {
		m.entries[b] = make(map[string]entry)
	}
	m.entries[a][b] = e
	m.entries[b][a] = e
}

// SetEntry sets the pair (a, b) and its mirror (b, a) to Always or Never.
func (m *Matrix) SetEntry(a, b string, allowed bool) {
	kind := Never
	if allowed {
		kind = Always
	}
	m.set(a, b, entry{kind: kind})
}

// SetConditionalEntry sets the pair (a, b) and its mirror to Conditional with the predicate.
func (m *Matrix) SetConditionalEntry(a, b string, pred Predicate) {
	m.set(a, b, entry{kind: Conditional, pred: pred})
}

// SetEntries sets name against every one of others.
func (m *Matrix) SetEntries(name string, others []string, allowed bool) {
	for _, other := range others {
		m.SetEntry(name, other, allowed)
	}
}

// GetEntry returns the explicit pairwise policy, if one exists.
func (m *Matrix) GetEntry(a, b string) (Type, bool) {
	e, ok := m.entries[a][b]
	if !ok {
		return Never, false
	}
	return e.kind, true
}

// GetEntryPredicate returns the predicate of a conditional pairwise entry.
func (m *Matrix) GetEntryPredicate(a, b string) (Predicate, bool) {
	e, ok := m.entries[a][b]
	if !ok || e.kind != Conditional {
		return nil, false
	}
	return e.pred, true
}

// HasEntry reports whether any pairwise entry references name.
func (m *Matrix) HasEntry(name string) bool {
	return len(m.entries[name]) > 0
}

// HasPair reports whether an explicit entry for (a, b) exists.
func (m *Matrix) HasPair(a, b string) bool {
	_, ok := m.entries[a][b]
	return ok
}

// RemoveEntry removes every pairwise entry that references name, in either position.
func (m *Matrix) RemoveEntry(name string) {
	delete(m.entries, name)
	for other, row := range m.entries {
		delete(row, name)
		if len(row) == 0 {
			delete(m.entries, other)
		}
	}
}

// RemovePair removes the pair (a, b) in both directions.
func (m *Matrix) RemovePair(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		row, ok := m.entries[pair[0]]
		if !ok {
			continue
		}
		delete(row, pair[1])
		if len(row) == 0 {
			delete(m.entries, pair[0])
		}
	}
}

// SetDefaultEntry sets the policy name has against every body it is not explicitly paired with.
func (m *Matrix) SetDefaultEntry(name string, allowed bool) {
	kind := Never
	if allowed {
		kind = Always
	}
	m.defaults[name] = entry{kind: kind}
}

// SetConditionalDefaultEntry sets a conditional default for name.
func (m *Matrix) SetConditionalDefaultEntry(name string, pred Predicate) {
	m.defaults[name] = entry{kind: Conditional, pred: pred}
}

// GetDefaultEntry returns the default policy for name, if one exists.
func (m *Matrix) GetDefaultEntry(name string) (Type, bool) {
	e, ok := m.defaults[name]
	return e.kind, ok
}

// RemoveDefaultEntry removes the default policy for name.
func (m *Matrix) RemoveDefaultEntry(name string) {
	delete(m.defaults, name)
}

// Clear removes all entries and defaults.
func (m *Matrix) Clear() {
	m.entries = make(map[string]map[string]entry)
	m.defaults = make(map[string]entry)
}

// EntryNames returns the sorted set of names appearing in pairwise or default entries.
func (m *Matrix) EntryNames() []string {
	names := lo.Uniq(append(lo.Keys(m.entries), lo.Keys(m.defaults)...))
	sort.Strings(names)
	return names
}

// Clone returns a deep copy. Predicates are shared.
func (m *Matrix) Clone() *Matrix {
	out := New()
	for a, row := range m.entries {
		out.entries[a] = make(map[string]entry, len(row))
		for b, e := range row {
			out.entries[a][b] = e
		}
	}
	for name, e := range m.defaults {
		out.defaults[name] = e
	}
	return out
}

// Decision is the outcome of GetAllowedCollision.
type Decision struct {
	Type       Type
	predicates []Predicate
}

// Allows evaluates the decision. A conditional decision needs a live contact; without one
// the contact is treated as not allowed.
func (d Decision) Allows(contact *Contact) bool {
	switch d.Type {
	case Always:
		return true
	case Conditional:
		if contact == nil || len(d.predicates) == 0 {
			return false
		}
		for _, p := range d.predicates {
			if p == nil || !p.Allow(*contact) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// GetAllowedCollision decides the policy for the pair (a, b).
//
// Default entries are consulted first. If exactly one name has a default, it wins outright.
// If both do, the most restrictive wins (Never > Conditional > Always) and two conditional
// predicates are ANDed. With no defaults the explicit pairwise entry is used. The second
// return value is false when nothing is known about the pair; callers must then treat the
// contact as not allowed.
func (m *Matrix) GetAllowedCollision(a, b string) (Decision, bool) {
	da, okA := m.defaults[a]
	db, okB := m.defaults[b]

	switch {
	case !okA && !okB:
		e, ok := m.entries[a][b]
		if !ok {
			return Decision{Type: Never}, false
		}
		return decisionFrom(e), true
	case okA && !okB:
		return decisionFrom(da), true
	case !okA && okB:
		return decisionFrom(db), true
	}

	kind := da.kind
	if db.kind.restrictiveness() > kind.restrictiveness() {
		kind = db.kind
	}
	d := Decision{Type: kind}
	if kind == Conditional {
		for _, e := range []entry{da, db} {
			if e.kind == Conditional {
				d.predicates = append(d.predicates, e.pred)
			}
		}
	}
	return d, true
}

func decisionFrom(e entry) Decision {
	d := Decision{Type: e.kind}
	if e.kind == Conditional {
		d.predicates = []Predicate{e.pred}
	}
	return d
}

// Allowed is a convenience that resolves the pair and evaluates it against contact.
// Unknown pairs are not allowed.
func (m *Matrix) Allowed(a, b string, contact *Contact) bool {
	d, ok := m.GetAllowedCollision(a, b)
	if !ok {
		return false
	}
	return d.Allows(contact)
}
