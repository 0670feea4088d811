// Package pairs enumerates domestic×foreign contract pairs and assigns stable identifiers.
package pairs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultSuffixLen is the number of trailing code characters used when a contract has no alias.
const DefaultSuffixLen = 4

// ErrPairIDCollision indicates two distinct contract combinations map to the same pair ID.
var ErrPairIDCollision = errors.New("pair id collision")

// Contract identifies one listed futures contract.
type Contract struct {
	Code  string
	Short string
}

// Pair is one domestic/foreign contract combination tracked as a single series.
type Pair struct {
	ID           string `json:"pair_id"`
	Family       string `json:"family"`
	DomesticCode string `json:"domestic_contract"`
	ForeignCode  string `json:"foreign_contract"`
}

// CollisionError reports the two inputs that produced the same ID.
type CollisionError struct {
	ID     string
	First  [2]string
	Second [2]string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s: %q produced by %s/%s and %s/%s", ErrPairIDCollision, e.ID,
		e.First[0], e.First[1], e.Second[0], e.Second[1])
}

func (e *CollisionError) Unwrap() error { return ErrPairIDCollision }

// ShortToken returns the alias of a contract or the last n characters of its code.
func ShortToken(c Contract, n int) string {
	if s := strings.TrimSpace(c.Short); s != "" {
		return s
	}
	code := strings.TrimSpace(c.Code)
	if n <= 0 {
		n = DefaultSuffixLen
	}
	if len(code) <= n {
		return code
	}
	return code[len(code)-n:]
}

// ID builds the pair identifier from the two short tokens.
func ID(domestic, foreign Contract, suffixLen int) string {
	return ShortToken(domestic, suffixLen) + "-" + ShortToken(foreign, suffixLen)
}

// Enumerate produces the full cross product of domestic and foreign contracts.
func Enumerate(family string, domestic, foreign []Contract, suffixLen int) ([]Pair, error) {
	out := make([]Pair, 0, len(domestic)*len(foreign))
	seen := make(map[string]Pair, len(domestic)*len(foreign))

	for _, d := range domestic {
		for _, f := range foreign {
			if strings.TrimSpace(d.Code) == "" || strings.TrimSpace(f.Code) == "" {
				return nil, fmt.Errorf("family %s: empty contract code", family)
			}
			p := Pair{
				ID:           ID(d, f, suffixLen),
				Family:       family,
				DomesticCode: d.Code,
				ForeignCode:  f.Code,
			}
			if prev, ok := seen[p.ID]; ok {
				if prev.DomesticCode == p.DomesticCode && prev.ForeignCode == p.ForeignCode {
					continue
				}
				return nil, &CollisionError{
					ID:     p.ID,
					First:  [2]string{prev.DomesticCode, prev.ForeignCode},
					Second: [2]string{p.DomesticCode, p.ForeignCode},
				}
			}
			seen[p.ID] = p
			out = append(out, p)
		}
	}
	return out, nil
}

// Registry holds the enumerated pairs of every family.
type Registry struct {
	mu       sync.RWMutex
	families map[string][]Pair
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string][]Pair)}
}

// Register enumerates and stores the pairs of a family.
func (r *Registry) Register(family string, domestic, foreign []Contract, suffixLen int) ([]Pair, error) {
	ps, err := Enumerate(family, domestic, foreign, suffixLen)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.families[family] = ps
	r.mu.Unlock()
	return ps, nil
}

// Pairs lists the pairs of a family in enumeration order.
func (r *Registry) Pairs(family string) []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps := r.families[family]
	out := make([]Pair, len(ps))
	copy(out, ps)
	return out
}

// Lookup finds a pair by ID within a family.
func (r *Registry) Lookup(family, id string) (Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.families[family] {
		if p.ID == id {
			return p, true
		}
	}
	return Pair{}, false
}

// Families lists registered family names, sorted.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
