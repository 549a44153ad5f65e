package collab

import (
	"context"
	"sync"
	"time"
)

// the window and spacing defaults are tuned empirically, not protocol
// constants. consumers can override them per debouncer.
type DebounceSettings struct {
	// quiet period after the last trigger before the callback fires
	Window time.Duration
	// minimum spacing between two callback invocations
	MinInterval time.Duration
}

func DefaultDebounceSettings() *DebounceSettings {
	return &DebounceSettings{
		Window:      500 * time.Millisecond,
		MinInterval: 1000 * time.Millisecond,
	}
}

// Debouncer coalesces a burst of triggers into a single delayed callback.
type Debouncer struct {
	ctx    context.Context
	cancel context.CancelFunc

	callback func()
	settings *DebounceSettings

	mutex    sync.Mutex
	timer    *time.Timer
	lastFire time.Time
}

func NewDebouncerWithDefaults(ctx context.Context, callback func()) *Debouncer {
	return NewDebouncer(ctx, callback, DefaultDebounceSettings())
}

func NewDebouncer(ctx context.Context, callback func(), settings *DebounceSettings) *Debouncer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Debouncer{
		ctx:      cancelCtx,
		cancel:   cancel,
		callback: callback,
		settings: settings,
	}
}

func (self *Debouncer) Trigger() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	select {
	case <-self.ctx.Done():
		return
	default:
	}

	if self.timer != nil {
		self.timer.Stop()
	}
	delay := self.settings.Window
	if !self.lastFire.IsZero() {
		if wait := self.settings.MinInterval - time.Since(self.lastFire); delay < wait {
			delay = wait
		}
	}
	self.timer = time.AfterFunc(delay, self.fire)
}

func (self *Debouncer) fire() {
	self.mutex.Lock()
	select {
	case <-self.ctx.Done():
		self.mutex.Unlock()
		return
	default:
	}
	self.timer = nil
	self.lastFire = time.Now()
	self.mutex.Unlock()

	safeCallback(self.callback)
}

func (self *Debouncer) Close() {
	self.cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
