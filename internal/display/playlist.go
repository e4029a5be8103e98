package display

import (
	"math/rand"
)

// Cursor is the slideshow position within the ordered set of cached photos.
// It is owned by the display loop and not safe for concurrent use.
type Cursor struct {
	order   []string
	index   int
	shuffle bool
	rng     *rand.Rand
}

// NewCursor creates an empty cursor. rng is used for shuffling; nil means a
// time-seeded source.
func NewCursor(shuffle bool, rng *rand.Rand) *Cursor {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Cursor{shuffle: shuffle, rng: rng}
}

// Len returns the number of photos in the order.
func (c *Cursor) Len() int {
	return len(c.order)
}

// Index returns the current position.
func (c *Cursor) Index() int {
	return c.index
}

// Order returns a copy of the current order.
func (c *Cursor) Order() []string {
	return append([]string(nil), c.order...)
}

// Current returns the id at the cursor.
func (c *Cursor) Current() (string, bool) {
	if len(c.order) == 0 {
		return "", false
	}
	return c.order[c.index], true
}

// PeekNext returns the id Next would move to, without moving. After a wrap
// with shuffle on the order changes, so the guess can be wrong.
func (c *Cursor) PeekNext() (string, bool) {
	if len(c.order) == 0 {
		return "", false
	}
	return c.order[(c.index+1)%len(c.order)], true
}

// Next moves forward, wrapping to the start. A wrap reshuffles when
// shuffle is on.
func (c *Cursor) Next() (string, bool) {
	if len(c.order) == 0 {
		return "", false
	}
	c.index++
	if c.index >= len(c.order) {
		c.index = 0
		if c.shuffle {
			last := c.order[len(c.order)-1]
			c.shuffleOrder()
			// Do not show the same photo twice in a row across the wrap.
			if len(c.order) > 1 && c.order[0] == last {
				j := 1 + c.rng.Intn(len(c.order)-1)
				c.order[0], c.order[j] = c.order[j], c.order[0]
			}
		}
	}
	return c.order[c.index], true
}

// Prev moves back, wrapping to the end.
func (c *Cursor) Prev() (string, bool) {
	if len(c.order) == 0 {
		return "", false
	}
	c.index--
	if c.index < 0 {
		c.index = len(c.order) - 1
	}
	return c.order[c.index], true
}

// Rebuild replaces the order with ids, reshuffled when shuffle is on. The
// photo at the cursor keeps its place if it is still present; otherwise the
// cursor moves to the first surviving photo after it. Rebuild reports
// whether the photo at the cursor changed.
func (c *Cursor) Rebuild(ids []string) bool {
	prev, hadPrev := c.Current()
	target, found := c.successor(ids)

	c.order = append(c.order[:0:0], ids...)
	if len(c.order) == 0 {
		c.index = 0
		return hadPrev
	}
	if c.shuffle {
		c.shuffleOrder()
	}

	if !found {
		c.index = 0
		cur, _ := c.Current()
		return !hadPrev || cur != prev
	}

	pos := indexOf(c.order, target)
	if c.shuffle {
		// Keep the position, move the target there.
		keep := c.index
		if keep >= len(c.order) {
			keep = len(c.order) - 1
		}
		c.order[keep], c.order[pos] = c.order[pos], c.order[keep]
		c.index = keep
	} else {
		c.index = pos
	}
	return !hadPrev || target != prev
}

// successor finds the id the cursor should rest on after a rebuild to ids:
// the current id if it survives, else the next surviving id in the old order.
func (c *Cursor) successor(ids []string) (string, bool) {
	if len(c.order) == 0 || len(ids) == 0 {
		return "", false
	}
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	for i := 0; i < len(c.order); i++ {
		id := c.order[(c.index+i)%len(c.order)]
		if present[id] {
			return id, true
		}
	}
	return "", false
}

func (c *Cursor) shuffleOrder() {
	c.rng.Shuffle(len(c.order), func(i, j int) {
		c.order[i], c.order[j] = c.order[j], c.order[i]
	})
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
