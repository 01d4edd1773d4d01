package mcp

import (
	"sync"
	"time"
)

// lease grants env control to one session at a time. A holder that stays
// idle past ttl loses it to the next caller.
type lease struct {
	mu      sync.Mutex
	ttl     time.Duration
	holder  string
	lastUse time.Time
}

func (l *lease) acquire(session string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" && l.holder != session && now.Sub(l.lastUse) < l.ttl {
		return false
	}
	l.holder, l.lastUse = session, now
	return true
}

func (l *lease) release(session string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != session {
		return false
	}
	l.holder = ""
	return true
}

func (l *lease) current(now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" || now.Sub(l.lastUse) >= l.ttl {
		return ""
	}
	return l.holder
}
