package scheduler

import "time"

type kind uint8

const (
	kindIdle kind = iota
	kindAbsolute
)

func (k kind) String() string {
	if k == kindIdle {
		return "idle"
	}
	return "absolute"
}

// entry is a pending check. It is stale once version no longer matches the session.
type entry struct {
	at      time.Time
	kind    kind
	connID  string
	version uint64
}

// entryHeap orders entries by fire time; it implements container/heap.Interface.
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
