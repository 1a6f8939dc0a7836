package accumulator

import "github.com/relves/anonsignal/pkg/types"

// rootHistory is a fixed-capacity ring of the most recent roots.
type rootHistory struct {
	roots []types.Hash
	next  int
	count int
}

func newRootHistory(capacity int) *rootHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &rootHistory{roots: make([]types.Hash, capacity)}
}

func (h *rootHistory) push(root types.Hash) {
	h.roots[h.next] = root
	h.next = (h.next + 1) % len(h.roots)
	if h.count < len(h.roots) {
		h.count++
	}
}

// recent returns up to window roots, newest first.
func (h *rootHistory) recent(window int) []types.Hash {
	if window > h.count {
		window = h.count
	}
	if window <= 0 {
		return nil
	}
	out := make([]types.Hash, window)
	for i := 0; i < window; i++ {
		pos := (h.next - 1 - i + len(h.roots)) % len(h.roots)
		out[i] = h.roots[pos]
	}
	return out
}

func (h *rootHistory) contains(root types.Hash) bool {
	for i := 0; i < h.count; i++ {
		pos := (h.next - 1 - i + len(h.roots)) % len(h.roots)
		if h.roots[pos] == root {
			return true
		}
	}
	return false
}
