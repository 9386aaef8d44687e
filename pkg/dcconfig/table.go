// Package dcconfig keeps the DC address table up to date from help.getConfig.
package dcconfig

import (
	"cmp"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// Option is one address of a DC.
type Option struct {
	DC        int
	IP        string
	Port      int
	IPv6      bool
	MediaOnly bool
}

// Addr returns host:port of option.
func (o Option) Addr() string {
	return net.JoinHostPort(o.IP, strconv.Itoa(o.Port))
}

func compareOptions(a, b Option) int {
	return cmp.Or(
		cmp.Compare(a.IP, b.IP),
		cmp.Compare(a.Port, b.Port),
		compareBool(a.IPv6, b.IPv6),
		compareBool(a.MediaOnly, b.MediaOnly),
	)
}

// endpoints returns sorted unique addresses of options.
func endpoints(opts []Option) []string {
	r := make([]string, 0, len(opts))
	for _, o := range opts {
		r = append(r, o.Addr())
	}
	slices.Sort(r)
	return slices.Compact(r)
}

// FromTL converts options of config, skipping CDN ones.
func FromTL(opts []tg.DCOption) []Option {
	r := make([]Option, 0, len(opts))
	for _, o := range opts {
		if o.CDN {
			continue
		}
		r = append(r, Option{
			DC:        o.ID,
			IP:        o.IPAddress,
			Port:      o.Port,
			IPv6:      o.Ipv6,
			MediaOnly: o.MediaOnly,
		})
	}
	return r
}

// Table maps bare DC ids to their addresses.
type Table struct {
	mux sync.RWMutex
	dcs map[int][]Option
}

// NewTable creates table filled with bootstrap options.
func NewTable(bootstrap []Option) *Table {
	t := &Table{dcs: group(bootstrap)}
	return t
}

func group(opts []Option) map[int][]Option {
	m := map[int][]Option{}
	for _, o := range opts {
		if !slices.Contains(m[o.DC], o) {
			m[o.DC] = append(m[o.DC], o)
		}
	}
	for _, list := range m {
		slices.SortFunc(list, compareOptions)
	}
	return m
}

// SetFromList replaces the whole table. Returns sorted ids of DCs whose
// set of ip:port pairs changed, including removed ones. Flags of options do
// not count as a change. Empty list is ignored.
func (t *Table) SetFromList(opts []Option) []int {
	if len(opts) == 0 {
		return nil
	}
	next := group(opts)

	t.mux.Lock()
	defer t.mux.Unlock()
	var changed []int
	for dc, list := range next {
		if !slices.Equal(endpoints(t.dcs[dc]), endpoints(list)) {
			changed = append(changed, dc)
		}
	}
	for dc := range t.dcs {
		if _, ok := next[dc]; !ok {
			changed = append(changed, dc)
		}
	}
	t.dcs = next
	slices.Sort(changed)
	return changed
}

// AddFromList adds options not known yet. Returns sorted ids of DCs that got
// new addresses.
func (t *Table) AddFromList(opts []Option) []int {
	t.mux.Lock()
	defer t.mux.Unlock()
	var changed []int
	for _, o := range opts {
		list := t.dcs[o.DC]
		if slices.Contains(list, o) {
			continue
		}
		known := slices.Contains(endpoints(list), o.Addr())
		list = append(list, o)
		slices.SortFunc(list, compareOptions)
		t.dcs[o.DC] = list
		if !known && !slices.Contains(changed, o.DC) {
			changed = append(changed, o.DC)
		}
	}
	slices.Sort(changed)
	return changed
}

// Options returns copy of addresses of dc.
func (t *Table) Options(dc int) []Option {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return slices.Clone(t.dcs[dc])
}

// Addr returns preferred address of dc: IPv4 over IPv6, regular over
// media-only.
func (t *Table) Addr(dc int) (string, error) {
	opts := t.Options(dc)
	if len(opts) == 0 {
		return "", errors.Errorf("no address for DC %d", dc)
	}
	best := slices.MinFunc(opts, func(a, b Option) int {
		return cmp.Or(
			compareBool(a.MediaOnly, b.MediaOnly),
			compareBool(a.IPv6, b.IPv6),
			compareOptions(a, b),
		)
	})
	return best.Addr(), nil
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

// KnownDCs returns sorted ids of every DC in table.
func (t *Table) KnownDCs() []int {
	t.mux.RLock()
	defer t.mux.RUnlock()
	ids := make([]int, 0, len(t.dcs))
	for dc := range t.dcs {
		ids = append(ids, dc)
	}
	slices.Sort(ids)
	return ids
}
