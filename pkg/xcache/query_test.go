package xcache

import (
	"context"
	"testing"
)

type staticFilter struct{}

func (staticFilter) Evaluate(*CacheEvent) bool { return true }

func TestRunQueryCookiePaging(t *testing.T) {
	pages := [][][]byte{
		{[]byte("k1"), []byte("k2")},
		{[]byte("k3")},
		{},
	}
	cookies := [][]byte{[]byte("cookie-1"), []byte("cookie-2"), nil}
	calls := 0

	queryFn := func(ctx context.Context, filterBinary []byte, keysOnly bool, cookie, filterCookie []byte) (*QueryResponse, error) {
		resp := &QueryResponse{Rows: pages[calls], Cookie: cookies[calls]}
		calls++
		return resp, nil
	}

	rows, err := RunQuery(context.Background(), staticFilter{}, nil, true, queryFn)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if calls != 3 {
		t.Errorf("RunQuery made %d round trips, want 3", calls)
	}
	if len(rows) != 3 {
		t.Fatalf("RunQuery returned %d rows, want 3", len(rows))
	}
	want := []string{"k1", "k2", "k3"}
	for i, row := range rows {
		if string(row) != want[i] {
			t.Errorf("rows[%d] = %q, want %q", i, row, want[i])
		}
	}
}

// limitFilterStub is a minimal LimitFilter whose Done() fires after a fixed
// number of round trips, driving RunQuery's anchor-advancement branch
// instead of the cookie branch.
type limitFilterStub struct {
	bottom, top, cookie []byte
	rounds              int
	maxRounds           int
}

func (f *limitFilterStub) Evaluate(*CacheEvent) bool { return true }
func (f *limitFilterStub) Anchors() (bottom, top, cookie []byte) {
	return f.bottom, f.top, f.cookie
}
func (f *limitFilterStub) AdvanceAnchors(bottom, top, cookie []byte) {
	f.bottom, f.top, f.cookie = bottom, top, cookie
	f.rounds++
}
func (f *limitFilterStub) Done() bool { return f.rounds >= f.maxRounds }
func (f *limitFilterStub) WithComparator(cmp Comparator) LimitFilter {
	cp := *f
	return &cp
}
func (f *limitFilterStub) ExtractPage(sorted []Entry) []Entry { return sorted }

func TestRunQueryLimitFilterAnchorAdvancement(t *testing.T) {
	lf := &limitFilterStub{maxRounds: 3}
	calls := 0
	queryFn := func(ctx context.Context, filterBinary []byte, keysOnly bool, cookie, filterCookie []byte) (*QueryResponse, error) {
		calls++
		return &QueryResponse{
			Rows:         [][]byte{[]byte("row")},
			FilterBottom: []byte("b"),
			FilterTop:    []byte("t"),
			FilterCookie: []byte("c"),
		}, nil
	}

	rows, err := RunQuery(context.Background(), lf, nil, false, queryFn)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if calls != 3 {
		t.Errorf("RunQuery made %d round trips, want 3 (maxRounds)", calls)
	}
	if len(rows) != 3 {
		t.Errorf("RunQuery collected %d rows, want 3", len(rows))
	}
}

func TestPageSetRandomAccessWithoutConcatenation(t *testing.T) {
	pages := [][][]byte{
		{[]byte("a"), []byte("b")},
		{},
		{[]byte("c")},
	}
	ps := NewPageSet(pages)
	if ps.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", ps.Len())
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if got := string(ps.At(i)); got != w {
			t.Errorf("At(%d) = %q, want %q", i, got, w)
		}
	}

	var seen []string
	ps.ForEach(func(row []byte) { seen = append(seen, string(row)) })
	if len(seen) != 3 {
		t.Errorf("ForEach visited %d rows, want 3", len(seen))
	}
}

func TestGetEntriesSortsAndExtractsPage(t *testing.T) {
	lf := &limitFilterStub{maxRounds: 1}
	// Keys are deliberately ordered opposite to their values: a correct
	// GetEntries sorts by the deserialized Value ("1" < "2"), not by Key,
	// so entries[0] must be the "b" entry.
	all := []Entry{
		{Key: []byte("a"), Value: []byte("2")},
		{Key: []byte("b"), Value: []byte("1")},
	}
	queryFn := func(ctx context.Context, filterBinary []byte, cookie, filterCookie []byte) ([]Entry, []byte, []byte, []byte, []byte, error) {
		return all, nil, []byte("b"), []byte("t"), []byte("c"), nil
	}
	cmp := func(a, b interface{}) int {
		return bytesCompare([]byte(a.(string)), []byte(b.(string)))
	}

	entries, err := GetEntries(context.Background(), lf, nil, newTestConverters(false), cmp, queryFn)
	if err != nil {
		t.Fatalf("GetEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GetEntries returned %d entries, want 2", len(entries))
	}
	if string(entries[0].Key) != "b" || string(entries[1].Key) != "a" {
		t.Errorf("GetEntries did not sort by deserialized value: %+v", entries)
	}
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
