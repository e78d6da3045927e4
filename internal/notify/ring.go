package notify

import "sync"

// Ring keeps the most recent reports in memory. It backs the admin
// notifications endpoint when no index database is configured.
type Ring struct {
	mu   sync.Mutex
	buf  []Report
	next int
	full bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 64
	}
	return &Ring{buf: make([]Report, capacity)}
}

func (r *Ring) RecordNotification(rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rep
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit reports, newest first.
func (r *Ring) Recent(limit int) []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Report, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
