// state/history.go
package state

import "encoding/json"

// HistoryCapacity bounds the closed-trade history.
const HistoryCapacity = 500

// History is a fixed-capacity ring buffer of closed-trade outcomes. Appends
// are O(1); once full, the oldest entry is evicted. It serializes as a plain
// JSON array, oldest first, so the state document stays readable.
type History struct {
	buf  []ClosedTrade
	head int
	size int
}

// NewHistory creates a ring with the given capacity (HistoryCapacity if n<=0).
func NewHistory(n int) *History {
	if n <= 0 {
		n = HistoryCapacity
	}
	return &History{buf: make([]ClosedTrade, n)}
}

// Append adds a closed trade, evicting the oldest entry when full.
func (h *History) Append(t ClosedTrade) {
	idx := (h.head + h.size) % len(h.buf)
	h.buf[idx] = t
	if h.size < len(h.buf) {
		h.size++
	} else {
		h.head = (h.head + 1) % len(h.buf)
	}
}

// Len returns the number of stored entries.
func (h *History) Len() int { return h.size }

// Items returns a copy of all entries, oldest first.
func (h *History) Items() []ClosedTrade {
	out := make([]ClosedTrade, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}

// Last returns a copy of the most recent n entries, oldest first.
func (h *History) Last(n int) []ClosedTrade {
	if n > h.size {
		n = h.size
	}
	out := make([]ClosedTrade, n)
	start := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.head+start+i)%len(h.buf)]
	}
	return out
}

// Clone returns an independent copy of the ring.
func (h *History) Clone() *History {
	c := NewHistory(len(h.buf))
	c.head = 0
	c.size = h.size
	copy(c.buf, h.Items())
	return c
}

func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Items())
}

func (h *History) UnmarshalJSON(data []byte) error {
	var items []ClosedTrade
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	if h.buf == nil {
		h.buf = make([]ClosedTrade, HistoryCapacity)
	}
	h.head, h.size = 0, 0
	if len(items) > len(h.buf) {
		items = items[len(items)-len(h.buf):]
	}
	for _, it := range items {
		h.Append(it)
	}
	return nil
}
