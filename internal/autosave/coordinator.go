// Package autosave debounces editor snapshots into saves. One Coordinator
// serves one open note: it waits for the edits to go quiet, saves the latest
// title and content if they differ from what was last saved, keeps at most one
// save in flight, and drives the idle/saving/saved indicator.
package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/kuitang/catatan/internal/obs"
)

const (
	// DefaultDelay is how long edits must be quiet before a save starts.
	DefaultDelay = 1500 * time.Millisecond
	// DefaultSavedDisplay is how long the saved indicator stays up.
	DefaultSavedDisplay = 2 * time.Second
)

// Snapshot is the editable part of a note.
type Snapshot struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Buffer is the editor's local state: what the user has typed and what the
// store is known to hold.
type Buffer struct {
	Pending   Snapshot
	LastSaved Snapshot
}

// Dirty reports whether there are unsaved edits.
func (b Buffer) Dirty() bool {
	return b.Pending != b.LastSaved
}

// Status is the save indicator.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
)

// Saver persists a snapshot for a note.
type Saver interface {
	Save(ctx context.Context, noteID int64, s Snapshot) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, noteID int64, s Snapshot) error

func (f SaverFunc) Save(ctx context.Context, noteID int64, s Snapshot) error {
	return f(ctx, noteID, s)
}

// EventKind names what an Event reports.
type EventKind int

const (
	// StatusChanged carries the new indicator state in Status.
	StatusChanged EventKind = iota
	// SaveFailed carries the save error in Err.
	SaveFailed
	// RemoteApplied carries values adopted from another writer in Snapshot.
	RemoteApplied
)

// Event is delivered to the observer in the order state changed.
type Event struct {
	Kind     EventKind
	Status   Status
	Err      error
	Snapshot Snapshot
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDelay sets the quiet period before a save.
func WithDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.delay = d }
}

// WithSavedDisplay sets how long StatusSaved lasts before returning to idle.
func WithSavedDisplay(d time.Duration) Option {
	return func(c *Coordinator) { c.savedDisplay = d }
}

// WithClock replaces the real clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithRunner sets how saves are started. The default runs each save on a
// new goroutine; tests may run them inline.
func WithRunner(run func(func())) Option {
	return func(c *Coordinator) { c.run = run }
}

// WithObserver receives every Event. The observer must not call Edit,
// ApplyRemote or Close.
func WithObserver(f func(Event)) Option {
	return func(c *Coordinator) { c.observe = f }
}

// WithContext sets the context saves run under. Its values are kept but its
// cancellation is not: a save that has started always finishes.
func WithContext(ctx context.Context) Option {
	return func(c *Coordinator) { c.ctx = ctx }
}

// Coordinator owns the edit buffer for one note.
type Coordinator struct {
	noteID       int64
	saver        Saver
	clock        Clock
	delay        time.Duration
	savedDisplay time.Duration
	run          func(func())
	observe      func(Event)
	ctx          context.Context

	mu       sync.Mutex
	idle     *sync.Cond
	buf      Buffer
	status   Status
	debounce Timer
	savedOff Timer
	// Generations let a timer callback that lost the race with Stop see
	// that it was superseded.
	debounceGen uint64
	savedGen    uint64
	inFlight bool
	flight   Snapshot
	followUp bool
	closed   bool

	// emitMu is taken before mu is released so events leave in state order.
	emitMu sync.Mutex
}

// New starts a coordinator for noteID whose store copy is initial.
func New(noteID int64, initial Snapshot, saver Saver, opts ...Option) *Coordinator {
	c := &Coordinator{
		noteID:       noteID,
		saver:        saver,
		clock:        RealClock{},
		delay:        DefaultDelay,
		savedDisplay: DefaultSavedDisplay,
		run:          func(f func()) { go f() },
		observe:      func(Event) {},
		ctx:          context.Background(),
		buf:          Buffer{Pending: initial, LastSaved: initial},
		status:       StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx = context.WithoutCancel(c.ctx)
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Edit records the latest snapshot and restarts the quiet period.
func (c *Coordinator) Edit(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.buf.Pending = s
	c.armLocked()
}

func (c *Coordinator) armLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounceGen++
	gen := c.debounceGen
	c.debounce = c.clock.AfterFunc(c.delay, func() { c.quiesced(gen) })
}

// quiesced runs when the quiet period armed as generation gen ends.
func (c *Coordinator) quiesced(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.debounceGen {
		c.mu.Unlock()
		return
	}
	c.debounce = nil
	if c.inFlight {
		c.followUp = true
		c.mu.Unlock()
		return
	}
	snap, start, events := c.startLocked()
	c.unlockAndEmit(events)
	if start {
		c.run(func() { c.save(snap) })
	}
}

// startLocked begins a save if the buffer is dirty.
func (c *Coordinator) startLocked() (Snapshot, bool, []Event) {
	if !c.buf.Dirty() {
		return Snapshot{}, false, nil
	}
	c.inFlight = true
	c.flight = c.buf.Pending
	c.stopSavedLocked()
	return c.flight, true, c.setStatusLocked(nil, StatusSaving)
}

func (c *Coordinator) save(snap Snapshot) {
	err := c.saver.Save(c.ctx, c.noteID, snap)

	c.mu.Lock()
	c.inFlight = false
	var events []Event
	if err != nil {
		obs.From(c.ctx).Warn("autosave.save_failed", "note_id", c.noteID, "error", err)
		events = c.setStatusLocked(events, StatusIdle)
		events = append(events, Event{Kind: SaveFailed, Err: err})
	} else {
		c.buf.LastSaved = snap
		events = c.setStatusLocked(events, StatusSaved)
		if !c.closed {
			c.stopSavedLocked()
			gen := c.savedGen
			c.savedOff = c.clock.AfterFunc(c.savedDisplay, func() { c.savedExpired(gen) })
		}
	}

	var next Snapshot
	var start bool
	if c.followUp && !c.closed {
		c.followUp = false
		var more []Event
		next, start, more = c.startLocked()
		events = append(events, more...)
	}
	if !c.inFlight {
		c.idle.Broadcast()
	}
	if c.closed {
		events = nil
	}
	c.unlockAndEmit(events)
	if start {
		c.run(func() { c.save(next) })
	}
}

// stopSavedLocked cancels the saved-indicator timer, including a callback
// that has already started.
func (c *Coordinator) stopSavedLocked() {
	if c.savedOff != nil {
		c.savedOff.Stop()
		c.savedOff = nil
	}
	c.savedGen++
}

func (c *Coordinator) savedExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.savedGen {
		c.mu.Unlock()
		return
	}
	c.savedOff = nil
	var events []Event
	if !c.closed && c.status == StatusSaved {
		events = c.setStatusLocked(nil, StatusIdle)
	}
	c.unlockAndEmit(events)
}

func (c *Coordinator) setStatusLocked(events []Event, s Status) []Event {
	if c.status == s {
		return events
	}
	c.status = s
	return append(events, Event{Kind: StatusChanged, Status: s})
}

// unlockAndEmit releases mu and delivers events in the order they were
// produced relative to other callers.
func (c *Coordinator) unlockAndEmit(events []Event) {
	if len(events) == 0 {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, ev := range events {
		c.observe(ev)
	}
}

// ApplyRemote folds in a change to the same note made elsewhere. The echo of
// this coordinator's own save is ignored. Without unsaved edits the remote
// values are adopted. With unsaved edits the remote values become the known
// store copy and the local edits stay pending, so they win at the next save.
func (c *Coordinator) ApplyRemote(s Snapshot) {
	c.mu.Lock()
	if c.closed || s == c.buf.LastSaved || (c.inFlight && s == c.flight) {
		c.mu.Unlock()
		return
	}
	var events []Event
	if !c.buf.Dirty() {
		c.buf.Pending = s
		c.buf.LastSaved = s
		events = append(events, Event{Kind: RemoteApplied, Snapshot: s})
	} else {
		// A pending timer or save picks the local edits up. After a failed
		// save nothing is pending and the next save waits for an edit.
		c.buf.LastSaved = s
	}
	c.unlockAndEmit(events)
}

// Status returns the indicator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Buffer returns the edit buffer.
func (c *Coordinator) Buffer() Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

// Close stops the timers and discards unsaved edits. A save already in
// flight runs to completion.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.followUp = false
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.debounceGen++
	c.stopSavedLocked()
}

// Wait blocks until no save is in flight.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inFlight {
		c.idle.Wait()
	}
}
