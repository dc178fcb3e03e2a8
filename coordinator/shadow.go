package coordinator

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultShadowCapacity = 4096

type shadow struct {
	started  time.Time
	duration time.Duration
}

// ShadowTimers are a submitter's optimistic countdowns per contested spot.
// The oldest entries fall out once capacity is reached.
type ShadowTimers struct {
	cache *lru.Cache[Key, shadow]
	now   func() time.Time
}

func NewShadowTimers(capacity int) *ShadowTimers {
	if capacity <= 0 {
		capacity = DefaultShadowCapacity
	}
	cache, _ := lru.New[Key, shadow](capacity)
	return &ShadowTimers{cache: cache, now: time.Now}
}

// Start (re)arms the timer at key.
func (s *ShadowTimers) Start(key Key, d time.Duration) {
	s.cache.Add(key, shadow{started: s.now(), duration: d})
}

// Remaining is the time left at key; expired timers are evicted.
func (s *ShadowTimers) Remaining(key Key) (time.Duration, bool) {
	sh, ok := s.cache.Get(key)
	if !ok {
		return 0, false
	}
	left := sh.duration - s.now().Sub(sh.started)
	if left <= 0 {
		s.cache.Remove(key)
		return 0, false
	}
	return left, true
}

func (s *ShadowTimers) Active(key Key) bool {
	_, ok := s.Remaining(key)
	return ok
}

// Move carries a running timer to a new spot, keeping its deadline.
func (s *ShadowTimers) Move(from, to Key) bool {
	sh, ok := s.cache.Peek(from)
	if !ok {
		return false
	}
	s.cache.Remove(from)
	s.cache.Add(to, sh)
	return true
}

func (s *ShadowTimers) Delete(key Key) bool {
	return s.cache.Remove(key)
}

func (s *ShadowTimers) Len() int {
	return s.cache.Len()
}

func (s *ShadowTimers) Purge() {
	s.cache.Purge()
}
