// Package persist decides when a chat should be written to storage and
// performs those writes in order, without duplicates, with retries.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/errmsg"
	"github.com/kalambet/pocketchat/internal/idempotency"
	"github.com/kalambet/pocketchat/internal/retry"
	"github.com/kalambet/pocketchat/internal/storage"
)

// DefaultDebounce is how long content must stay unchanged before an
// automatic save is queued.
const DefaultDebounce = 100 * time.Millisecond

// ChatStore is the storage the controller writes to.
type ChatStore interface {
	InsertChat(ctx context.Context, in storage.ChatInput) (int64, error)
	UpdateChat(ctx context.Context, id int64, in storage.ChatInput) error
}

// Status is the save state shown to the user.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusQueued   Status = "queued"
	StatusSaving   Status = "saving"
	StatusRetrying Status = "retrying"
	StatusSaved    Status = "saved"
	StatusError    Status = "error"
)

// Inputs is the caller's current view of the chat. It is pushed with
// Update on every change.
type Inputs struct {
	// ChatScope is "new" or the numeric id of an existing chat.
	ChatScope string
	Stream    chat.StreamState
	Messages  []chat.Message
	Thinking  []string
	Title     *string
	Provider  chat.ProviderID
	Model     string
}

// State is a point-in-time view of the controller's outputs.
type State struct {
	Status          Status
	Attempts        int
	Err             error
	Friendly        errmsg.Message
	LastSavedChatID int64
	HasLastSaved    bool
}

// scopeState is everything tied to one logical chat. Entering a new scope
// replaces the whole struct, so writes still in flight for the old scope
// keep updating their own copy and never touch the new one.
type scopeState struct {
	route      string
	resolvedID int64
	hasID      bool
	lastKey    string
	// tail is closed when the most recently queued write finishes.
	tail chan struct{}
}

func newScopeState(route string) *scopeState {
	sc := &scopeState{route: route, tail: make(chan struct{})}
	close(sc.tail)
	if id, err := strconv.ParseInt(route, 10, 64); err == nil && id > 0 {
		sc.resolvedID = id
		sc.hasID = true
	}
	return sc
}

func (sc *scopeState) identity() string {
	if sc.hasID {
		return identityForID(sc.resolvedID)
	}
	return "scope:" + sc.route
}

// persisted reports whether snap holds exactly what sc last stored. A
// snapshot built before the scope's first insert settled still matches
// once its identity is resolved to the inserted id.
func (sc *scopeState) persisted(snap Snapshot) bool {
	if snap.Key == sc.lastKey {
		return true
	}
	return sc.hasID && snap.keyWithIdentity(identityForID(sc.resolvedID)) == sc.lastKey
}

func identityForID(id int64) string {
	return "id:" + strconv.FormatInt(id, 10)
}

// Controller persists one chat at a time.
type Controller struct {
	store       ChatStore
	cfg         retry.Config
	debounce    time.Duration
	clock       quartz.Clock
	logger      *slog.Logger
	format      func(error) errmsg.Message
	onSaveError func(err error, attempts int)
	onChange    func(State)
	registry    *idempotency.Registry[int64]

	// Test hooks: saveStarted runs when a save goroutine starts and
	// writeQueued once a write has joined its scope's queue.
	saveStarted func()
	writeQueued func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	in             Inputs
	scope          *scopeState
	terminalQueued bool
	debounceSeq    uint64
	debounceTimer  *quartz.Timer
	status         Status
	attempts       int
	saveErr        error
	lastSavedID    int64
	hasLastSaved   bool
	closed         bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithRetryConfig overrides retry.PersistenceConfig.
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) { c.debounce = d }
}

// WithClock sets the clock for the debounce and retry waits.
func WithClock(clk quartz.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithFormatter overrides errmsg.Humanize for State.Friendly.
func WithFormatter(fn func(error) errmsg.Message) Option {
	return func(c *Controller) { c.format = fn }
}

// WithOnSaveError registers a callback for failed saves of the current chat.
func WithOnSaveError(fn func(err error, attempts int)) Option {
	return func(c *Controller) { c.onSaveError = fn }
}

// WithOnChange registers a callback receiving every state change.
func WithOnChange(fn func(State)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// New creates a Controller writing to store.
func New(store ChatStore, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:    store,
		cfg:      retry.PersistenceConfig(),
		debounce: DefaultDebounce,
		clock:    quartz.NewReal(),
		logger:   slog.Default(),
		format:   errmsg.Humanize,
		registry: idempotency.New[int64](),
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Update feeds the latest inputs. It may queue an automatic save and never
// blocks on storage.
func (c *Controller) Update(in Inputs) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := false
	if c.scope == nil || in.ChatScope != c.scope.route {
		c.enterScopeLocked(in.ChatScope)
		changed = true
	}
	in.Messages = slices.Clone(in.Messages)
	in.Thinking = slices.Clone(in.Thinking)
	c.in = in

	var terminal *Snapshot
	switch {
	case in.Stream == chat.StreamStreaming:
		c.terminalQueued = false
	case in.Stream.Terminal() && !c.terminalQueued:
		if in.Stream == chat.StreamCompleted || chat.HasMeaningfulReply(in.Messages) {
			c.terminalQueued = true
			if len(in.Messages) > 0 {
				snap := newSnapshot(in, c.scope)
				terminal = &snap
			}
		}
	}

	if c.autoSaveEligibleLocked() {
		if !c.scope.persisted(newSnapshot(in, c.scope)) {
			c.scheduleDebounceLocked()
		}
	} else {
		c.stopDebounceLocked()
	}
	c.mu.Unlock()

	if changed {
		c.notify()
	}
	if terminal != nil {
		c.logger.Debug("stream finished, queueing save", "chat_scope", terminal.ChatScope, "stream", in.Stream)
		c.launch(*terminal)
	}
}

// MarkPersisted records in as already stored, typically right after a chat
// was loaded from storage, so that it is not written back unchanged.
func (c *Controller) MarkPersisted(in Inputs) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.scope == nil || in.ChatScope != c.scope.route {
		c.enterScopeLocked(in.ChatScope)
	}
	in.Messages = slices.Clone(in.Messages)
	in.Thinking = slices.Clone(in.Thinking)
	c.in = in
	c.stopDebounceLocked()
	c.scope.lastKey = newSnapshot(in, c.scope).Key
	c.mu.Unlock()
	c.notify()
}

// TriggerSave saves the current inputs and returns once that save has
// settled or ctx is done. Failures are reported through State, never here.
func (c *Controller) TriggerSave(ctx context.Context) {
	c.mu.Lock()
	if c.scope == nil || len(c.in.Messages) == 0 {
		c.mu.Unlock()
		return
	}
	snap := newSnapshot(c.in, c.scope)
	c.mu.Unlock()

	done := c.launch(snap)
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// State returns the current outputs.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Status:          c.status,
		Attempts:        c.attempts,
		Err:             c.saveErr,
		LastSavedChatID: c.lastSavedID,
		HasLastSaved:    c.hasLastSaved,
	}
	if c.saveErr != nil {
		s.Friendly = c.format(c.saveErr)
	}
	return s
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsSaving reports whether a write is running or waiting to retry.
func (c *Controller) IsSaving() bool {
	st := c.Status()
	return st == StatusSaving || st == StatusRetrying
}

func (c *Controller) HasSaveError() bool {
	return c.Status() == StatusError
}

// LastSavedChatID returns the id of the chat most recently written in the
// current scope, or the scope's own id when it names an existing chat.
func (c *Controller) LastSavedChatID() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSavedID, c.hasLastSaved
}

// ClearError returns from the error status to idle.
func (c *Controller) ClearError() {
	c.mu.Lock()
	if c.status != StatusError {
		c.mu.Unlock()
		return
	}
	c.status = StatusIdle
	c.saveErr = nil
	c.attempts = 0
	c.mu.Unlock()
	c.notify()
}

// Close stops automatic saves and waits for queued writes to finish or for
// ctx to be done, whichever comes first.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.stopDebounceLocked()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	defer c.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pending saves: %w", ctx.Err())
	}
}

// enterScopeLocked swaps in fresh per-chat state in one step.
func (c *Controller) enterScopeLocked(route string) {
	c.stopDebounceLocked()
	c.scope = newScopeState(route)
	c.registry.Clear()
	c.terminalQueued = false
	c.status = StatusIdle
	c.attempts = 0
	c.saveErr = nil
	c.lastSavedID, c.hasLastSaved = c.scope.resolvedID, c.scope.hasID
	c.logger.Debug("entered chat scope", "chat_scope", route)
}

func (c *Controller) autoSaveEligibleLocked() bool {
	if len(c.in.Messages) == 0 {
		return false
	}
	switch c.in.Stream {
	case chat.StreamIdle, chat.StreamCompleted:
		return true
	case chat.StreamError, chat.StreamCancelled:
		return chat.HasMeaningfulReply(c.in.Messages)
	}
	return false
}

func (c *Controller) scheduleDebounceLocked() {
	c.stopDebounceLocked()
	seq := c.debounceSeq
	c.debounceTimer = c.clock.AfterFunc(c.debounce, func() { c.flush(seq) }, "persist", "debounce")
}

func (c *Controller) stopDebounceLocked() {
	c.debounceSeq++
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
}

// flush runs when the debounce expires and saves if content still differs
// from what was last persisted.
func (c *Controller) flush(seq uint64) {
	c.mu.Lock()
	if c.closed || seq != c.debounceSeq || !c.autoSaveEligibleLocked() {
		c.mu.Unlock()
		return
	}
	c.debounceTimer = nil
	snap := newSnapshot(c.in, c.scope)
	if c.scope.persisted(snap) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.launch(snap)
}

// launch starts saving snap in the background. The returned channel is
// closed when the save settles; it is nil when the controller is closed.
func (c *Controller) launch(snap Snapshot) <-chan struct{} {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(1)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer c.wg.Done()
		defer close(done)
		c.save(snap)
	}()
	return done
}

func (c *Controller) save(snap Snapshot) {
	sc := snap.scope
	if c.saveStarted != nil {
		c.saveStarted()
	}

	c.mu.Lock()
	if sc.persisted(snap) {
		c.mu.Unlock()
		return
	}
	current := sc == c.scope
	if current && c.status != StatusSaving && c.status != StatusRetrying {
		c.status = StatusQueued
	}
	c.mu.Unlock()
	if current {
		c.notify()
	}

	_, err := c.registry.Do(c.ctx, snap.Key, func() (int64, error) {
		return c.write(snap)
	})
	if err != nil {
		c.logger.Debug("save settled with error", "chat_scope", snap.ChatScope, "error", err)
	}
}

// write waits for every earlier write of the same scope, then inserts or
// updates depending on whether the chat already has an id.
func (c *Controller) write(snap Snapshot) (int64, error) {
	sc := snap.scope

	c.mu.Lock()
	prev := sc.tail
	done := make(chan struct{})
	sc.tail = done
	c.mu.Unlock()
	defer close(done)
	if c.writeQueued != nil {
		c.writeQueued()
	}

	select {
	case <-prev:
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	}

	c.mu.Lock()
	id, hasID := sc.resolvedID, sc.hasID
	current := sc == c.scope
	if sc.persisted(snap) {
		// An earlier queued write already stored this exact content.
		restored := current && c.status == StatusQueued && sc.tail == done
		if restored {
			c.status = StatusSaved
		}
		c.mu.Unlock()
		if restored {
			c.notify()
		}
		return id, nil
	}
	if current {
		c.status = StatusSaving
	}
	c.mu.Unlock()
	if current {
		c.notify()
	}

	input := snap.chatInput()
	res := retry.Execute(c.ctx, c.cfg, func(ctx context.Context) (int64, error) {
		if hasID {
			return id, c.store.UpdateChat(ctx, id, input)
		}
		return c.store.InsertChat(ctx, input)
	},
		retry.WithClock(c.clock),
		retry.WithLogger(c.logger),
		retry.WithOnRetry(func(attempt int, delay time.Duration, cl retry.Classification) {
			c.mu.Lock()
			current := sc == c.scope
			if current {
				c.status = StatusRetrying
				c.attempts = attempt
			}
			c.mu.Unlock()
			c.logger.Warn("chat save failed, retrying",
				"chat_scope", snap.ChatScope,
				"attempt", attempt,
				"delay", delay,
				"category", cl.Category,
			)
			if current {
				c.notify()
			}
		}),
	)

	c.mu.Lock()
	current = sc == c.scope
	var onErr func(error, int)
	if res.Success {
		sc.resolvedID, sc.hasID = res.Data, true
		sc.lastKey = snap.keyWithIdentity(identityForID(res.Data))
		if current {
			c.status = StatusSaved
			c.attempts = res.Attempts
			c.saveErr = nil
			c.lastSavedID, c.hasLastSaved = res.Data, true
		}
	} else if current {
		c.status = StatusError
		c.attempts = res.Attempts
		c.saveErr = res.Cause
		onErr = c.onSaveError
	}
	c.mu.Unlock()

	if res.Success {
		c.logger.Debug("chat saved", "chat_scope", snap.ChatScope, "chat_id", res.Data, "insert", !hasID, "stale", !current)
	} else {
		c.logger.Error("chat save failed", "chat_scope", snap.ChatScope, "attempts", res.Attempts, "error", res.Cause, "stale", !current)
	}
	if current {
		c.notify()
	}
	if onErr != nil {
		onErr(res.Cause, res.Attempts)
	}
	return res.Data, res.Err()
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange(c.State())
	}
}
