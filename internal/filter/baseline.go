package filter

// Baseline tracks what a task last sent. It starts without a baseline,
// in which state every observation is sent.
type Baseline struct {
	th   Thresholds
	has  bool
	last Comparable
}

// NewBaseline returns an empty baseline using th.
func NewBaseline(th Thresholds) *Baseline {
	return &Baseline{th: th}
}

// HasBaseline reports whether anything has been recorded yet.
func (b *Baseline) HasBaseline() bool { return b.has }

// ShouldSend reports whether cur must be pushed.
func (b *Baseline) ShouldSend(cur Comparable) bool {
	if !b.has {
		return true
	}
	return Meaningful(b.last, cur, b.th)
}

// Record stores cur as the last sent value.
func (b *Baseline) Record(cur Comparable) {
	b.last = cur
	b.has = true
}
