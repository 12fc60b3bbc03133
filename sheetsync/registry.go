package sheetsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type DataSourceErrorFunction = func(key string, err error)
type DataSourceLoadedFunction = func(key string)
type LimitExceededFunction = func(key string)

type RegistrySettings struct {
	LoadTimeout time.Duration
	// when set, invalidate drops the previous payload immediately instead of
	// serving it stale until the next load lands
	DropStaleOnInvalidate bool
}

func DefaultRegistrySettings() *RegistrySettings {
	return &RegistrySettings{
		LoadTimeout:           30 * time.Second,
		DropStaleOnInvalidate: false,
	}
}

type registryEntry struct {
	source  DataSource
	state   LoadState
	loadErr error
	// closed when the current load reaches a terminal state or is superseded
	done chan struct{}
	// monotonically increasing per key. a load only commits its payload if
	// it is still the most recent load for the key.
	generation uint64
	// a previous payload is still installed (stale-while-revalidate)
	hasPayload bool
}

// Registry is the single owner of cached data source payloads.
// Data sources are created on first reference, loaded out-of-band, and read
// synchronously by formula evaluation.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	store RecordStore

	settings *RegistrySettings

	stateLock sync.Mutex
	entries   map[string]*registryEntry

	errorCallbacks  *CallbackList[DataSourceErrorFunction]
	loadedCallbacks *CallbackList[DataSourceLoadedFunction]
	limitCallbacks  *CallbackList[LimitExceededFunction]
}

func NewRegistryWithDefaults(ctx context.Context, store RecordStore) *Registry {
	return NewRegistry(ctx, store, DefaultRegistrySettings())
}

func NewRegistry(ctx context.Context, store RecordStore, settings *RegistrySettings) *Registry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:             cancelCtx,
		cancel:          cancel,
		store:           store,
		settings:        settings,
		entries:         map[string]*registryEntry{},
		errorCallbacks:  NewCallbackList[DataSourceErrorFunction](),
		loadedCallbacks: NewCallbackList[DataSourceLoadedFunction](),
		limitCallbacks:  NewCallbackList[LimitExceededFunction](),
	}
}

func (self *Registry) AddErrorCallback(callback DataSourceErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *Registry) AddLoadedCallback(callback DataSourceLoadedFunction) func() {
	callbackId := self.loadedCallbacks.Add(callback)
	return func() {
		self.loadedCallbacks.Remove(callbackId)
	}
}

func (self *Registry) AddLimitExceededCallback(callback LimitExceededFunction) func() {
	callbackId := self.limitCallbacks.Add(callback)
	return func() {
		self.limitCallbacks.Remove(callbackId)
	}
}

func (self *Registry) State(key string) LoadState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[key]
	if !ok {
		return LoadStateUnloaded
	}
	return entry.state
}

// Get returns the data source for synchronous reads if its payload is
// available. During a reload the previous payload is still served
// (stale-while-revalidate) unless the registry is configured to drop it.
func (self *Registry) Get(key string) (DataSource, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[key]
	if !ok {
		return nil, &NotLoadedError{Key: key, State: LoadStateUnloaded}
	}
	switch entry.state {
	case LoadStateLoaded:
		return entry.source, nil
	case LoadStateError:
		return nil, &LoadError{Key: key, Cause: entry.loadErr}
	default:
		if entry.hasPayload {
			return entry.source, nil
		}
		return nil, &NotLoadedError{Key: key, State: entry.state}
	}
}

// Load creates the data source on first reference and fetches it.
// Concurrent loads of the same key share one underlying fetch.
// A loaded key is a no-op. Call `Reload` to force a refresh.
// `factory` may be nil if the key is known to exist.
func (self *Registry) Load(ctx context.Context, key string, factory func() DataSource) error {
	for {
		self.stateLock.Lock()
		entry, ok := self.entries[key]
		if !ok {
			if factory == nil {
				self.stateLock.Unlock()
				return fmt.Errorf("unknown data source %s", key)
			}
			entry = &registryEntry{
				source: factory(),
				state:  LoadStateUnloaded,
			}
			self.entries[key] = entry
		}

		switch entry.state {
		case LoadStateLoaded:
			self.stateLock.Unlock()
			return nil
		case LoadStateLoading:
			done := entry.done
			self.stateLock.Unlock()
			select {
			case <-done:
				// a load finished or was superseded. recheck.
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-self.ctx.Done():
				return self.ctx.Err()
			}
		default:
			// unloaded, or error being retried
			entry.state = LoadStateLoading
			entry.loadErr = nil
			entry.generation += 1
			generation := entry.generation
			done := make(chan struct{})
			entry.done = done
			source := entry.source
			self.stateLock.Unlock()

			err := self.fetch(ctx, key, source, entry, generation, done)
			if err == errSuperseded {
				continue
			}
			return err
		}
	}
}

// sentinel for a load that completed after it was superseded
var errSuperseded = fmt.Errorf("load superseded")

func (self *Registry) fetch(
	ctx context.Context,
	key string,
	source DataSource,
	entry *registryEntry,
	generation uint64,
	done chan struct{},
) error {
	loadCtx, loadCancel := context.WithTimeout(ctx, self.settings.LoadTimeout)
	defer loadCancel()

	commit, err := source.Fetch(loadCtx, self.store)

	self.stateLock.Lock()
	if entry.generation != generation {
		// superseded by an invalidate or a newer load. discard this result
		// without touching the cache.
		self.stateLock.Unlock()
		glog.V(2).Infof("[ds]discard stale load %s\n", key)
		return errSuperseded
	}
	limitExceeded := false
	if err == nil {
		commit()
		entry.state = LoadStateLoaded
		entry.hasPayload = true
		if limitSource, ok := source.(limitExceededSource); ok {
			limitExceeded = limitSource.LimitExceeded()
		}
	} else {
		entry.state = LoadStateError
		entry.loadErr = err
	}
	close(done)
	self.stateLock.Unlock()

	if err != nil {
		glog.Infof("[ds]load error %s = %s\n", key, err)
		for _, callback := range self.errorCallbacks.Get() {
			func() {
				defer recover()
				callback(key, err)
			}()
		}
		return &LoadError{Key: key, Cause: err}
	}

	for _, callback := range self.loadedCallbacks.Get() {
		func() {
			defer recover()
			callback(key)
		}()
	}
	if limitExceeded {
		for _, callback := range self.limitCallbacks.Get() {
			func() {
				defer recover()
				callback(key)
			}()
		}
	}
	return nil
}

// Invalidate forces the key back to unloaded. The previous payload keeps
// serving reads until the next load lands, unless the registry is configured
// to drop stale payloads. An in-flight load for the key is superseded and its
// result discarded when it completes.
func (self *Registry) Invalidate(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[key]
	if !ok {
		return
	}
	entry.generation += 1
	if entry.state == LoadStateLoading {
		// wake waiters. they recheck and start a fresh load.
		close(entry.done)
	}
	entry.state = LoadStateUnloaded
	entry.loadErr = nil
	if self.settings.DropStaleOnInvalidate {
		entry.hasPayload = false
	}
}

// Reload invalidates and refetches an existing key.
func (self *Registry) Reload(ctx context.Context, key string) error {
	self.Invalidate(key)
	return self.Load(ctx, key, nil)
}

// WaitForAll blocks until every named key reaches a terminal state.
// Keys with no load in progress are not waited on since nothing would
// complete them.
func (self *Registry) WaitForAll(ctx context.Context, keys []string) error {
	for {
		var waitDone chan struct{}
		self.stateLock.Lock()
		for _, key := range keys {
			entry, ok := self.entries[key]
			if !ok {
				continue
			}
			if entry.state == LoadStateLoading {
				waitDone = entry.done
				break
			}
		}
		self.stateLock.Unlock()

		if waitDone == nil {
			return nil
		}
		select {
		case <-waitDone:
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		}
	}
}

func (self *Registry) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.entries)
}

func (self *Registry) Close() {
	self.cancel()
}
