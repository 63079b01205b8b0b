package tenant

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// replyMap remembers which end user a message in the owner's inbox came from,
// so an owner reply to that message can be routed back. Bounded; the oldest
// entries are evicted first.
type replyMap struct {
	c *lru.Cache[int, int64]
}

func newReplyMap(size int) *replyMap {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[int, int64](size)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &replyMap{c: c}
}

func (m *replyMap) Remember(msgID int, userID int64) {
	if msgID == 0 || userID == 0 {
		return
	}
	m.c.Add(msgID, userID)
}

func (m *replyMap) Lookup(msgID int) (int64, bool) {
	if msgID == 0 {
		return 0, false
	}
	return m.c.Get(msgID)
}

func (m *replyMap) Len() int { return m.c.Len() }
