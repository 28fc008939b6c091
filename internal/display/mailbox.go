package display

import (
	"sync"
	"time"

	"github.com/zsiec/flicker/internal/media"
)

// mailbox hands pictures from the video goroutine to the UI thread. It holds
// one picture; a newer one replaces an undisplayed older one.
type mailbox struct {
	mu  sync.Mutex
	pic *media.Picture
	pts time.Duration
}

// put stores pic and reports whether an undisplayed picture was dropped.
func (m *mailbox) put(pic *media.Picture, pts time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := m.pic != nil
	m.pic, m.pts = pic, pts
	return dropped
}

func (m *mailbox) take() (*media.Picture, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pic, pts := m.pic, m.pts
	m.pic = nil
	return pic, pts
}
