// Package route implements the IPv4 forwarding table.
package route

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"go4.org/netipx"

	"firestige.xyz/iprouter/internal/core"
)

// Route is one forwarding table entry.
type Route struct {
	Prefix  netip.Prefix `mapstructure:"cidr" yaml:"cidr"`
	NextHop netip.Addr   `mapstructure:"next_hop" yaml:"next_hop"`
}

func (r Route) String() string {
	return r.Prefix.String() + " via " + r.NextHop.String()
}

// Match is the result of a successful lookup.
type Match struct {
	Route
	// Bits is the length of the matched prefix. A zero value means the default
	// route matched.
	Bits int
}

// ParseRoute parses the textual form of an entry: "a.b.c.d/n" and "e.f.g.h".
func ParseRoute(cidr, nextHop string) (Route, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", core.ErrInvalidEntry, err)
	}
	hop, err := core.ParseAddr(nextHop)
	if err != nil {
		return Route{}, fmt.Errorf("%w: next hop: %v", core.ErrInvalidEntry, err)
	}
	r := Route{Prefix: prefix, NextHop: hop}
	if err := r.Validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}

// Validate reports whether r can be installed.
func (r Route) Validate() error {
	// An IPv4 prefix with a length outside 0-32 is never valid.
	if !r.Prefix.IsValid() || !r.Prefix.Addr().Is4() {
		return fmt.Errorf("%w: %v is not an IPv4 prefix", core.ErrInvalidEntry, r.Prefix)
	}
	if !r.NextHop.Is4() {
		return fmt.Errorf("%w: next hop %v is not IPv4", core.ErrInvalidEntry, r.NextHop)
	}
	return nil
}

// entry is a Route with its prefix pre-masked into integer form.
type entry struct {
	route  Route
	prefix uint32
	mask   uint32
}

func mask(bits int) uint32 {
	if bits == 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

// snapshot is an immutable, installed table. Entries are ordered by
// descending prefix length; equal lengths keep installation order.
type snapshot struct {
	entries []entry
}

func (s *snapshot) lookup(dst uint32) (Match, bool) {
	for _, e := range s.entries {
		if dst&e.mask == e.prefix {
			return Match{Route: e.route, Bits: e.route.Prefix.Bits()}, true
		}
	}
	return Match{}, false
}

// Table is a forwarding table safe for concurrent use.
//
// Install replaces the whole table; a Lookup running concurrently sees either
// the old or the new table, never a mix. The zero Table is empty and usable.
type Table struct {
	mtx  sync.RWMutex
	snap *snapshot
}

// NewTable returns a table holding routes.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{}
	if err := t.Install(routes); err != nil {
		return nil, err
	}
	return t, nil
}

// Install validates routes and replaces the table with them. On error the
// previous table stays in place.
func (t *Table) Install(routes []Route) error {
	entries := make([]entry, 0, len(routes))
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			return err
		}
		bits := r.Prefix.Bits()
		m := mask(bits)
		entries = append(entries, entry{
			route:  Route{Prefix: r.Prefix.Masked(), NextHop: r.NextHop},
			prefix: core.AddrToUint32(r.Prefix.Addr()) & m,
			mask:   m,
		})
	}
	slices.SortStableFunc(entries, func(a, b entry) int {
		return b.route.Prefix.Bits() - a.route.Prefix.Bits()
	})

	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.snap = &snapshot{entries: entries}
	return nil
}

// InstallStrings is Install for the textual (cidr, next hop) form.
func (t *Table) InstallStrings(pairs [][2]string) error {
	routes := make([]Route, 0, len(pairs))
	for _, p := range pairs {
		r, err := ParseRoute(p[0], p[1])
		if err != nil {
			return err
		}
		routes = append(routes, r)
	}
	return t.Install(routes)
}

// Lookup returns the longest-prefix match for dst.
func (t *Table) Lookup(dst netip.Addr) (Match, error) {
	snap := t.getPointer()
	if snap == nil || !dst.Is4() {
		return Match{}, fmt.Errorf("%w: %v", core.ErrNoRoute, dst)
	}
	m, ok := snap.lookup(core.AddrToUint32(dst))
	if !ok {
		return Match{}, fmt.Errorf("%w: %v", core.ErrNoRoute, dst)
	}
	return m, nil
}

// Routes returns the installed entries in lookup order.
func (t *Table) Routes() []Route {
	snap := t.getPointer()
	if snap == nil {
		return nil
	}
	routes := make([]Route, len(snap.entries))
	for i, e := range snap.entries {
		routes[i] = e.route
	}
	return routes
}

// Len returns the number of installed entries.
func (t *Table) Len() int {
	snap := t.getPointer()
	if snap == nil {
		return 0
	}
	return len(snap.entries)
}

// Coverage returns the set of destinations that have a route.
func (t *Table) Coverage() (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, r := range t.Routes() {
		b.AddPrefix(r.Prefix)
	}
	return b.IPSet()
}

func (t *Table) getPointer() *snapshot {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.snap
}
