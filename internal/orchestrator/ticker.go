package orchestrator

// ticker is the finite, cyclic sequence of ambient content tags consulted
// when the interrupt stack has no live entries (spec.md §3's "Ticker
// Rotation", §4.3 step 3).
type ticker struct {
	tags   []string
	cursor int
}

func newTicker(tags []string) *ticker {
	return &ticker{tags: append([]string(nil), tags...)}
}

// empty reports whether the rotation has no content to offer.
func (t *ticker) empty() bool { return len(t.tags) == 0 }

// current returns the tag at the cursor, or "" if the rotation is empty.
func (t *ticker) current() string {
	if t.empty() {
		return ""
	}
	return t.tags[t.cursor%len(t.tags)]
}

// advance moves the cursor to the next tag, cyclically.
func (t *ticker) advance() {
	if t.empty() {
		return
	}
	t.cursor = (t.cursor + 1) % len(t.tags)
}

// setTags replaces the rotation's content, resetting the cursor to the
// start; used when the dashboard reconfigures the ticker set.
func (t *ticker) setTags(tags []string) {
	t.tags = append([]string(nil), tags...)
	t.cursor = 0
}
