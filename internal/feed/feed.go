// Package feed is the dashboard side of the live channel: a bounded window of
// recent activity with a client-local pause. The server keeps delivering
// while paused; the feed only holds back rendering.
package feed

import (
	"sort"
	"sync"

	"github.com/example/pickup-ops/internal/models"
)

// Renderer draws one event.
type Renderer func(evt models.ActivityEvent, d models.Display)

type Feed struct {
	mu     sync.Mutex
	max    int
	paused bool
	seen   map[string]struct{}
	order  []string // seen ids, oldest first
	limit  int
	window []models.ActivityEvent // newest first
	held   []models.ActivityEvent
	render Renderer
}

// New keeps up to max events in the window. render may be nil.
func New(max int, render Renderer) *Feed {
	if max <= 0 {
		max = 50
	}
	limit := 4 * max
	if limit < minSeen {
		limit = minSeen
	}
	return &Feed{max: max, limit: limit, seen: make(map[string]struct{}), render: render}
}

// minSeen covers at least one full history page.
const minSeen = 500

// Receive takes one live event. Duplicates (already merged from history)
// are ignored. It reports whether the event was rendered now.
func (f *Feed) Receive(evt models.ActivityEvent) bool {
	f.mu.Lock()
	if !f.remember(evt) {
		f.mu.Unlock()
		return false
	}
	f.window = append([]models.ActivityEvent{evt}, f.window...)
	f.trim()
	if f.paused {
		f.held = append(f.held, evt)
		f.mu.Unlock()
		return false
	}
	render := f.render
	f.mu.Unlock()

	if render != nil {
		render(evt, evt.Action.Display())
	}
	return true
}

// Reconcile merges a history page (any order) after a reconnect and renders
// the events the feed had missed, oldest first. Returns how many were new.
func (f *Feed) Reconcile(history []models.ActivityEvent) int {
	f.mu.Lock()
	var fresh []models.ActivityEvent
	for _, evt := range history {
		if f.remember(evt) {
			fresh = append(fresh, evt)
		}
	}
	if len(fresh) == 0 {
		f.mu.Unlock()
		return 0
	}
	f.window = append(f.window, fresh...)
	sortNewestFirst(f.window)
	f.trim()
	sort.SliceStable(fresh, func(i, j int) bool { return older(fresh[i], fresh[j]) })
	if f.paused {
		f.held = append(f.held, fresh...)
		f.mu.Unlock()
		return len(fresh)
	}
	render := f.render
	f.mu.Unlock()

	if render != nil {
		for _, evt := range fresh {
			render(evt, evt.Action.Display())
		}
	}
	return len(fresh)
}

func (f *Feed) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

// Resume renders everything held back while paused, in arrival order.
func (f *Feed) Resume() int {
	f.mu.Lock()
	f.paused = false
	held := f.held
	f.held = nil
	render := f.render
	f.mu.Unlock()

	if render != nil {
		for _, evt := range held {
			render(evt, evt.Action.Display())
		}
	}
	return len(held)
}

// Toggle flips the pause flag and returns the new state.
func (f *Feed) Toggle() bool {
	if f.Paused() {
		f.Resume()
		return false
	}
	f.Pause()
	return true
}

func (f *Feed) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Held is the number of events waiting for Resume.
func (f *Feed) Held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// Recent returns the window, newest first.
func (f *Feed) Recent() []models.ActivityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ActivityEvent(nil), f.window...)
}

func (f *Feed) remember(evt models.ActivityEvent) bool {
	if evt.ID == "" {
		return true
	}
	if _, dup := f.seen[evt.ID]; dup {
		return false
	}
	f.seen[evt.ID] = struct{}{}
	f.order = append(f.order, evt.ID)
	if over := len(f.order) - f.limit; over > 0 {
		for _, id := range f.order[:over] {
			delete(f.seen, id)
		}
		f.order = append(f.order[:0:0], f.order[over:]...)
	}
	return true
}

// trim drops the oldest events past max. Their ids stay in seen, up to the
// seen limit, so a late history page cannot resurrect them.
func (f *Feed) trim() {
	if len(f.window) > f.max {
		f.window = f.window[:f.max]
	}
}

func sortNewestFirst(es []models.ActivityEvent) {
	sort.SliceStable(es, func(i, j int) bool { return older(es[j], es[i]) })
}

func older(a, b models.ActivityEvent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
