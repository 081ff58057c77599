package collab

// The dedup window makes at-least-once channel delivery look at-most-once
// to the apply path. It is bounded: above the high-water mark the window
// is trimmed to the most recent half, so suppression is probabilistic,
// preferring recency over exhaustiveness.

const (
	DedupHighWaterMark = 1000
	DedupTrimSize      = 500
)

type dedupWindow struct {
	highWaterMark int
	trimSize      int

	seen  map[Id]bool
	order []Id
}

func newDedupWindow() *dedupWindow {
	return newDedupWindowWithSize(DedupHighWaterMark, DedupTrimSize)
}

func newDedupWindowWithSize(highWaterMark int, trimSize int) *dedupWindow {
	return &dedupWindow{
		highWaterMark: highWaterMark,
		trimSize:      trimSize,
		seen:          map[Id]bool{},
	}
}

// Observe records the id and reports whether it was novel.
func (self *dedupWindow) Observe(id Id) bool {
	if self.seen[id] {
		return false
	}
	self.seen[id] = true
	self.order = append(self.order, id)
	if self.highWaterMark < len(self.order) {
		trimCount := len(self.order) - self.trimSize
		for _, droppedId := range self.order[0:trimCount] {
			delete(self.seen, droppedId)
		}
		nextOrder := make([]Id, self.trimSize)
		copy(nextOrder, self.order[trimCount:])
		self.order = nextOrder
	}
	return true
}

func (self *dedupWindow) Size() int {
	return len(self.order)
}
