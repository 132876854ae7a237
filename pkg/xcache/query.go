package xcache

import (
	"context"
	"sort"
)

// Comparator orders two deserialized values the same way a server-side
// comparator would; negative/zero/positive per the usual convention.
type Comparator func(a, b interface{}) int

// Entry is a single key/value pair as it travels through the paged query
// engine, still in binary form.
type Entry struct {
	Key   []byte
	Value []byte
}

// LimitFilter is a Filter whose paging state advances across round trips,
// per spec §4.D. A plain Filter that does not implement LimitFilter is
// paged purely by cookie; one that does is paged by anchor advancement
// instead (the cookie field on the request/response is then the filter's
// own pagination cookie).
type LimitFilter interface {
	Filter

	// Anchors returns the filter's current bottom/top anchors and its own
	// pagination cookie.
	Anchors() (bottom, top, cookie []byte)

	// AdvanceAnchors installs anchors/cookie returned by the server's
	// partial response (spec §4.D: "filter.bottom_anchor <- filter'...").
	AdvanceAnchors(bottom, top, cookie []byte)

	// Done reports whether the filter has no more pages to request.
	Done() bool

	// WithComparator returns a copy of the filter with cmp attached, used
	// by GetEntries to have the server apply a user comparator's ordering
	// (spec §4.D: "the comparator is attached to the filter").
	WithComparator(cmp Comparator) LimitFilter

	// ExtractPage applies the filter's paging predicate to a sorted
	// entry list, returning the page that belongs at the filter's current
	// anchor position (spec §4.D: "a page is extracted via the filter's
	// paging predicate").
	ExtractPage(sorted []Entry) []Entry
}

// QueryFunc issues one Query round trip and returns the partial response.
// It is supplied by BinaryCache, which owns the actual Channel.
type QueryFunc func(ctx context.Context, filterBinary []byte, keysOnly bool, cookie, filterCookie []byte) (*QueryResponse, error)

// RunQuery implements the cookie/anchor-driven loop of spec §4.D, returning
// the concatenation of every page received. For a non-limit filter this is
// just cookie-driven pagination; for a LimitFilter the filter's anchors
// advance in place across calls to queryFn instead of a plain cookie.
func RunQuery(ctx context.Context, filter Filter, filterBinary []byte, keysOnly bool, queryFn QueryFunc) ([][]byte, error) {
	limit, isLimit := filter.(LimitFilter)

	var cookie []byte
	var pages [][][]byte

	for {
		var filterCookie []byte
		if isLimit {
			_, _, filterCookie = limit.Anchors()
		}

		resp, err := queryFn(ctx, filterBinary, keysOnly, cookie, filterCookie)
		if err != nil {
			return nil, err
		}

		if len(resp.Rows) > 0 {
			pages = append(pages, resp.Rows)
		}

		if isLimit {
			limit.AdvanceAnchors(resp.FilterBottom, resp.FilterTop, resp.FilterCookie)
			if limit.Done() {
				break
			}
		} else {
			cookie = resp.Cookie
			if len(cookie) == 0 {
				break
			}
		}
	}

	return concatPages(pages), nil
}

func concatPages(pages [][][]byte) [][]byte {
	n := 0
	for _, p := range pages {
		n += len(p)
	}
	out := make([][]byte, 0, n)
	for _, p := range pages {
		out = append(out, p...)
	}
	return out
}

// PageSet is the immutable multi-list view over collected pages described
// in spec §4.D ("an immutable multi-list view over page arrays (no
// copy)"). It supports random access and iteration without concatenating
// the underlying pages.
type PageSet struct {
	pages [][][]byte
	total int
}

// NewPageSet wraps pages without copying them.
func NewPageSet(pages [][][]byte) *PageSet {
	total := 0
	for _, p := range pages {
		total += len(p)
	}
	return &PageSet{pages: pages, total: total}
}

// Len returns the total row count across all pages.
func (s *PageSet) Len() int { return s.total }

// At returns the i'th row without flattening the page set.
func (s *PageSet) At(i int) []byte {
	for _, p := range s.pages {
		if i < len(p) {
			return p[i]
		}
		i -= len(p)
	}
	panic("xcache: PageSet index out of range")
}

// ForEach visits every row in order.
func (s *PageSet) ForEach(fn func([]byte)) {
	for _, p := range s.pages {
		for _, row := range p {
			fn(row)
		}
	}
}

// EntryQueryFunc is like QueryFunc but for get_entries, where responses
// carry key/value row pairs that must be decoded into Entry before
// sorting.
type EntryQueryFunc func(ctx context.Context, filterBinary []byte, cookie, filterCookie []byte) (entries []Entry, nextCookie, filterBottom, filterTop, filterCookieOut []byte, err error)

// GetEntries implements get_entries(filter, comparator) for a LimitFilter
// (spec §4.D): the comparator is attached to the filter, all pages are
// collected, sorted by an entry-comparator derived from the user's
// comparator, a page is extracted via the filter's paging predicate, and
// finally the comparator is detached again (WithComparator returns a copy,
// so "restoring" is simply discarding the commparator-attached copy and
// continuing to use the caller's original filter). converters deserializes
// each Entry's Value before cmp ever sees it - cmp orders domain values,
// not the wire bytes they arrived in.
func GetEntries(ctx context.Context, filter LimitFilter, filterBinary []byte, converters *ConverterPair, cmp Comparator, queryFn EntryQueryFunc) ([]Entry, error) {
	attached := filter.WithComparator(cmp)

	var all []Entry
	var cookie []byte
	for {
		_, _, filterCookie := attached.Anchors()
		entries, nextCookie, bottom, top, filterCookieOut, err := queryFn(ctx, filterBinary, cookie, filterCookie)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
		attached.AdvanceAnchors(bottom, top, filterCookieOut)
		cookie = nextCookie
		if attached.Done() {
			break
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return entryCompare(converters, cmp, all[i], all[j]) < 0
	})

	return attached.ExtractPage(all), nil
}

// entryCompare applies cmp to a.Value/b.Value once each has been
// deserialized through converters, matching Comparator's contract of
// ordering domain values rather than raw binaries. An entry whose value
// fails to deserialize sorts after one that doesn't, rather than aborting
// the whole query.
func entryCompare(converters *ConverterPair, cmp Comparator, a, b Entry) int {
	av, aErr := converters.BinaryToValue(a.Value)
	bv, bErr := converters.BinaryToValue(b.Value)
	switch {
	case aErr != nil && bErr != nil:
		return 0
	case aErr != nil:
		return 1
	case bErr != nil:
		return -1
	default:
		return cmp(av, bv)
	}
}

// Advancer iterates a key set page by page, used by key-iteration (spec
// §4.D). Remove deletes the current entry by its decorated binary form.
type Advancer interface {
	NextPage(ctx context.Context) (keys [][]byte, ok bool, err error)
	Remove(ctx context.Context, decoratedKey []byte) error
}

// binaryCacheAdvancer is the Advancer backed by BinaryCache.GetKeysPage /
// BinaryCache.Remove.
type binaryCacheAdvancer struct {
	cache  *BinaryCache
	cookie []byte
	done   bool
}

// NewKeysPageAdvancer returns an Advancer over the whole cache's key set,
// paged via GetKeysPage.
func NewKeysPageAdvancer(cache *BinaryCache) Advancer {
	return &binaryCacheAdvancer{cache: cache}
}

func (a *binaryCacheAdvancer) NextPage(ctx context.Context) ([][]byte, bool, error) {
	if a.done {
		return nil, false, nil
	}
	keys, cookie, err := a.cache.GetKeysPage(ctx, a.cookie)
	if err != nil {
		return nil, false, err
	}
	a.cookie = cookie
	if len(cookie) == 0 {
		a.done = true
	}
	return keys, true, nil
}

func (a *binaryCacheAdvancer) Remove(ctx context.Context, decoratedKey []byte) error {
	_, err := a.cache.Remove(ctx, decoratedKey, false)
	return err
}
