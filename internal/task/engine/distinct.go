package engine

import "strings"

// distinctErrors counts the different failure messages of one task run.
// It trips when the count reaches limit; limit <= 0 never trips.
type distinctErrors struct {
	limit int
	seen  map[string]struct{}
}

func newDistinctErrors(limit int) *distinctErrors {
	return &distinctErrors{limit: limit}
}

// record notes err and reports whether the limit is reached.
func (d *distinctErrors) record(err error) bool {
	if d == nil || d.limit <= 0 || err == nil {
		return false
	}
	if d.seen == nil {
		d.seen = map[string]struct{}{}
	}
	d.seen[strings.TrimSpace(err.Error())] = struct{}{}
	return len(d.seen) >= d.limit
}

func (d *distinctErrors) count() int {
	if d == nil {
		return 0
	}
	return len(d.seen)
}
