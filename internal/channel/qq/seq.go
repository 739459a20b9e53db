package qq

import "sync"

// replySeq hands out the per-reply msg_seq required when several outbound
// messages answer the same inbound message. Sequences start at 1 and
// strictly increase per reply id. The map is bounded: once it grows past
// cap, the oldest half (by insertion order) is evicted so long-running
// processes don't accumulate dead reply chains.
type replySeq struct {
	mu    sync.Mutex
	next  map[string]int
	order []string
	cap   int
}

func newReplySeq(cap int) *replySeq {
	return &replySeq{next: make(map[string]int), cap: cap}
}

// Next returns the next sequence number for replyID. An empty replyID is a
// fresh message, not part of a reply chain; it always gets 1 and is not
// tracked.
func (r *replySeq) Next(replyID string) int {
	if replyID == "" {
		return 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.next[replyID]
	if !ok {
		n = 1
		r.order = append(r.order, replyID)
	}
	r.next[replyID] = n + 1

	if len(r.next) > r.cap {
		r.evictOldest()
	}
	return n
}

func (r *replySeq) evictOldest() {
	drop := len(r.order) / 2
	for _, id := range r.order[:drop] {
		delete(r.next, id)
	}
	r.order = append([]string(nil), r.order[drop:]...)
}
