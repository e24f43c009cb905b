package bus

import (
	"slices"
	"time"

	"github.com/orrery-sim/orrery/internal/models"
)

// timeBucket is the granularity of the time-range index.
const timeBucket = time.Second

// Filter selects events from history. Zero-valued fields are ignored.
// Since is inclusive, Until exclusive. Match is a residual predicate
// applied after the indexed criteria.
type Filter struct {
	Kinds    []models.EventType
	SourceID string
	Since    time.Time
	Until    time.Time
	Match    func(models.Event) bool
}

// indexable reports whether any criterion can be answered from the index.
func (f Filter) indexable() bool {
	return len(f.Kinds) > 0 || f.SourceID != "" || !f.Since.IsZero() || !f.Until.IsZero()
}

// matches applies the full filter to one event. Both the linear scan and
// the indexed lookup funnel through this, so the two paths cannot diverge.
func (f Filter) matches(e models.Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if f.Match != nil && !f.Match(e) {
		return false
	}
	return true
}

// history is a bounded append-only ring buffer with derived indexes.
// Events are addressed by a monotonically increasing sequence number;
// evicting the oldest event advances base. Index slices hold ascending
// sequence numbers, so eviction only ever trims their fronts.
type history struct {
	capacity  int
	threshold int

	buf   []models.Event
	start int
	size  int
	base  uint64

	byKind   map[models.EventType][]uint64
	bySource map[string][]uint64
	byBucket map[int64][]uint64
}

func newHistory(capacity, threshold int) *history {
	return &history{
		capacity:  capacity,
		threshold: threshold,
		buf:       make([]models.Event, capacity),
		byKind:    make(map[models.EventType][]uint64),
		bySource:  make(map[string][]uint64),
		byBucket:  make(map[int64][]uint64),
	}
}

func bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(timeBucket)
}

// append stores the event, evicting the oldest entry when full.
func (h *history) append(e models.Event) {
	if h.size == h.capacity {
		old := h.buf[h.start]
		h.trimKind(old.Kind)
		h.trimSource(old.SourceID)
		h.trimBucket(bucketOf(old.Timestamp))
		h.buf[h.start] = models.Event{}
		h.start = (h.start + 1) % h.capacity
		h.size--
		h.base++
	}

	seq := h.base + uint64(h.size)
	h.buf[(h.start+h.size)%h.capacity] = e
	h.size++

	h.byKind[e.Kind] = append(h.byKind[e.Kind], seq)
	h.bySource[e.SourceID] = append(h.bySource[e.SourceID], seq)
	bucket := bucketOf(e.Timestamp)
	h.byBucket[bucket] = append(h.byBucket[bucket], seq)
}

func (h *history) trimKind(kind models.EventType) {
	h.byKind[kind] = trimFront(h.byKind[kind])
	if len(h.byKind[kind]) == 0 {
		delete(h.byKind, kind)
	}
}

func (h *history) trimSource(source string) {
	h.bySource[source] = trimFront(h.bySource[source])
	if len(h.bySource[source]) == 0 {
		delete(h.bySource, source)
	}
}

func (h *history) trimBucket(bucket int64) {
	h.byBucket[bucket] = trimFront(h.byBucket[bucket])
	if len(h.byBucket[bucket]) == 0 {
		delete(h.byBucket, bucket)
	}
}

// trimFront drops the first element, compacting the backing array once it
// is mostly slack so long-lived indexes do not pin evicted memory.
func trimFront(s []uint64) []uint64 {
	if len(s) == 0 {
		return s
	}
	s = s[1:]
	if len(s) > 16 && cap(s) > 4*len(s) {
		s = slices.Clone(s)
	}
	return s
}

// at returns the event with the given sequence number. The caller must
// ensure base <= seq < base+size.
func (h *history) at(seq uint64) models.Event {
	return h.buf[(h.start+int(seq-h.base))%h.capacity]
}

// events returns all retained events, oldest first.
func (h *history) events() []models.Event {
	out := make([]models.Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%h.capacity])
	}
	return out
}

// query returns the events matching the filter, oldest first. Below the
// size threshold it scans; above, it intersects the derived indexes. Both
// paths produce identical results, the index is purely an optimization.
func (h *history) query(f Filter) []models.Event {
	if h.size == 0 {
		return nil
	}
	if h.size < h.threshold || !f.indexable() {
		return h.scan(f)
	}
	return h.lookup(f)
}

func (h *history) scan(f Filter) []models.Event {
	var out []models.Event
	for i := 0; i < h.size; i++ {
		e := h.buf[(h.start+i)%h.capacity]
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (h *history) lookup(f Filter) []models.Event {
	var lists [][]uint64

	if len(f.Kinds) > 0 {
		merged := h.byKind[f.Kinds[0]]
		for _, kind := range f.Kinds[1:] {
			merged = mergeAscending(merged, h.byKind[kind])
		}
		lists = append(lists, merged)
	}
	if f.SourceID != "" {
		lists = append(lists, h.bySource[f.SourceID])
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		lists = append(lists, h.bucketRange(f.Since, f.Until))
	}

	candidates := lists[0]
	for _, list := range lists[1:] {
		candidates = intersectAscending(candidates, list)
	}

	var out []models.Event
	for _, seq := range candidates {
		e := h.at(seq)
		// Residual check: bucket granularity is coarser than the filter
		// and the custom predicate is never indexed.
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// bucketRange concatenates the index slices of every time bucket that
// overlaps [since, until). Unbounded sides fall back to the retained range.
func (h *history) bucketRange(since, until time.Time) []uint64 {
	oldest := h.buf[h.start].Timestamp
	newest := h.buf[(h.start+h.size-1)%h.capacity].Timestamp

	lo := bucketOf(oldest)
	if !since.IsZero() {
		if b := bucketOf(since); b > lo {
			lo = b
		}
	}
	hi := bucketOf(newest)
	if !until.IsZero() {
		if b := bucketOf(until); b < hi {
			hi = b
		}
	}

	var out []uint64
	for b := lo; b <= hi; b++ {
		out = append(out, h.byBucket[b]...)
	}
	return out
}

func (h *history) clear() {
	h.buf = make([]models.Event, h.capacity)
	h.start = 0
	h.base += uint64(h.size)
	h.size = 0
	h.byKind = make(map[models.EventType][]uint64)
	h.bySource = make(map[string][]uint64)
	h.byBucket = make(map[int64][]uint64)
}

func mergeAscending(a, b []uint64) []uint64 {
	out := make([]uint64, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func intersectAscending(a, b []uint64) []uint64 {
	var out []uint64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
