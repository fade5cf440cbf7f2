package crawlkit

import "net/url"

// BaseURICollection holds the seed URIs of a job. It is a set keyed by
// normalized URI with stable insertion order for iteration.
type BaseURICollection struct {
	uris  []*url.URL
	index map[string]struct{}
}

// NewBaseURICollection creates a collection from the given seeds.
func NewBaseURICollection(uris ...*url.URL) *BaseURICollection {
	b := &BaseURICollection{
		index: make(map[string]struct{}),
	}
	for _, u := range uris {
		b.Add(u)
	}
	return b
}

// Add inserts a URI. Duplicates by normalized identity are ignored.
func (b *BaseURICollection) Add(u *url.URL) {
	n := NormalizeURL(u)
	key := n.String()
	if _, ok := b.index[key]; ok {
		return
	}
	b.index[key] = struct{}{}
	b.uris = append(b.uris, n)
}

// Contains reports whether the collection holds the URI.
func (b *BaseURICollection) Contains(u *url.URL) bool {
	_, ok := b.index[NormalizeURL(u).String()]
	return ok
}

// All returns the URIs in insertion order.
func (b *BaseURICollection) All() []*url.URL {
	out := make([]*url.URL, len(b.uris))
	copy(out, b.uris)
	return out
}

// Len returns the number of URIs.
func (b *BaseURICollection) Len() int {
	return len(b.uris)
}

// IsEmpty reports whether the collection has no URIs.
func (b *BaseURICollection) IsEmpty() bool {
	return len(b.uris) == 0
}
