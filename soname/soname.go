// Package soname computes the unversioned names Android's package manager
// accepts for versioned shared libraries.
//
// A versioned soname such as libfoo.so.1.2 becomes libfoo_1_2.so. The two
// forms always have the same length, which lets the patcher rewrite names in
// place without touching any offset inside the ELF image.
package soname

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidSoname is returned for names that are neither unversioned
	// (*.so) nor shaped like name.so.version[.version...].
	ErrInvalidSoname = errors.New("invalid soname")

	// ErrLengthMismatch is returned when a rename pair would change the
	// length of the name.
	ErrLengthMismatch = errors.New("soname length mismatch")

	// ErrConflict is returned when a plan would map one original to two
	// names, or when one pair's output contains another pair's input.
	ErrConflict = errors.New("conflicting soname rename")
)

const marker = "so"

// Adjust returns the safe form of name. Unversioned names are returned
// unchanged.
func Adjust(name string) (string, error) {
	if strings.HasSuffix(name, "."+marker) {
		return name, nil
	}

	parts := strings.Split(name, ".")
	at := -1
	for i := len(parts) - 2; i >= 1; i-- {
		if parts[i] == marker {
			at = i
			break
		}
	}
	if at < 0 {
		return "", fmt.Errorf("%w: %q has no .so marker", ErrInvalidSoname, name)
	}

	base := strings.Join(parts[:at], ".")
	if base == "" {
		return "", fmt.Errorf("%w: %q has an empty base name", ErrInvalidSoname, name)
	}
	versions := parts[at+1:]
	for _, version := range versions {
		if !isVersionComponent(version) {
			return "", fmt.Errorf("%w: %q has version component %q", ErrInvalidSoname, name, version)
		}
	}

	return base + "_" + strings.Join(versions, "_") + "." + marker, nil
}

func isVersionComponent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

// Pair is one rename.
type Pair struct {
	Original string
	Adjusted string
}

// Plan is an ordered set of renames, unique on Original.
type Plan struct {
	pairs []Pair
	index map[string]int
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{index: make(map[string]int)}
}

// Add records original -> adjusted. Identity pairs are ignored and repeating
// an existing pair is a no-op.
func (p *Plan) Add(original, adjusted string) error {
	if original == adjusted {
		return nil
	}
	if len(original) != len(adjusted) {
		return fmt.Errorf("%w: %q (%d bytes) -> %q (%d bytes)", ErrLengthMismatch, original, len(original), adjusted, len(adjusted))
	}
	if i, ok := p.index[original]; ok {
		if p.pairs[i].Adjusted == adjusted {
			return nil
		}
		return fmt.Errorf("%w: %q maps to both %q and %q", ErrConflict, original, p.pairs[i].Adjusted, adjusted)
	}
	p.index[original] = len(p.pairs)
	p.pairs = append(p.pairs, Pair{Original: original, Adjusted: adjusted})
	return nil
}

// Lookup returns the adjusted name for original.
func (p *Plan) Lookup(original string) (string, bool) {
	i, ok := p.index[original]
	if !ok {
		return "", false
	}
	return p.pairs[i].Adjusted, true
}

// Rename maps name through the plan, returning name itself when the plan
// does not mention it.
func (p *Plan) Rename(name string) string {
	if adjusted, ok := p.Lookup(name); ok {
		return adjusted
	}
	return name
}

// Pairs returns the renames in insertion order.
func (p *Plan) Pairs() []Pair {
	return append([]Pair(nil), p.pairs...)
}

// Len returns the number of renames.
func (p *Plan) Len() int {
	return len(p.pairs)
}

// PatchOrder returns the renames longest original first, so a name that
// contains another mapped name is replaced before the shorter one can match
// inside it.
func (p *Plan) PatchOrder() []Pair {
	ordered := p.Pairs()
	sort.SliceStable(ordered, func(i, j int) bool {
		if len(ordered[i].Original) != len(ordered[j].Original) {
			return len(ordered[i].Original) > len(ordered[j].Original)
		}
		return ordered[i].Original < ordered[j].Original
	})
	return ordered
}

// Validate checks the invariants byte patching depends on: equal lengths,
// and no adjusted name containing an original that a later substitution
// could match again.
func (p *Plan) Validate() error {
	for _, pair := range p.pairs {
		if len(pair.Original) != len(pair.Adjusted) {
			return fmt.Errorf("%w: %q -> %q", ErrLengthMismatch, pair.Original, pair.Adjusted)
		}
	}
	for _, outer := range p.pairs {
		for _, inner := range p.pairs {
			if strings.Contains(outer.Adjusted, inner.Original) {
				return fmt.Errorf("%w: %q -> %q contains %q", ErrConflict, outer.Original, outer.Adjusted, inner.Original)
			}
		}
	}
	return nil
}

// Planner builds plans from the sonames found in a library collection plus
// a fixed list of exceptions that the naming rule cannot derive.
type Planner struct {
	exceptions []Pair
}

// NewPlanner returns a Planner that always includes exceptions.
func NewPlanner(exceptions []Pair) *Planner {
	return &Planner{exceptions: append([]Pair(nil), exceptions...)}
}

// Plan computes the complete rename plan for sonames. Exceptions take
// precedence over the naming rule. The returned plan has been validated.
func (p *Planner) Plan(sonames []string) (*Plan, error) {
	plan := NewPlan()
	for _, exception := range p.exceptions {
		if err := plan.Add(exception.Original, exception.Adjusted); err != nil {
			return nil, fmt.Errorf("exception: %w", err)
		}
	}
	for _, name := range sonames {
		if _, ok := plan.Lookup(name); ok {
			continue
		}
		adjusted, err := Adjust(name)
		if err != nil {
			return nil, err
		}
		if err := plan.Add(name, adjusted); err != nil {
			return nil, err
		}
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}
