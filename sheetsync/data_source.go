package sheetsync

import (
	"context"
	"fmt"
)

// load state machine is:
// LoadStateUnloaded
//
//	-> LoadStateLoading
//	  -> LoadStateLoaded
//	  -> LoadStateError
//	loaded/error -> LoadStateUnloaded on invalidate
type LoadState string

const (
	LoadStateUnloaded LoadState = "Unloaded"
	LoadStateLoading  LoadState = "Loading"
	LoadStateLoaded   LoadState = "Loaded"
	LoadStateError    LoadState = "Error"
)

func (self LoadState) IsTerminal() bool {
	switch self {
	case LoadStateLoaded, LoadStateError:
		return true
	default:
		return false
	}
}

// DataSource is one cached, lazily fetched unit of business data.
// `Fetch` queries the store and builds a complete payload snapshot, returning
// a commit function that installs it atomically. The registry only commits
// the most recent load per key, so a slow stale fetch never clobbers a newer
// one, and readers always see a fully old or fully new payload.
// The registry is the single owner of the load lifecycle; nothing else
// calls Fetch.
type DataSource interface {
	Key() string
	Fetch(ctx context.Context, store RecordStore) (commit func(), err error)
}

// data sources that can report a truncated fetch window
type limitExceededSource interface {
	LimitExceeded() bool
}

// data requested before it is ready. recoverable by re-evaluation after the
// load completes. never shown to the user directly.
type NotLoadedError struct {
	Key   string
	State LoadState
}

func (self *NotLoadedError) Error() string {
	return fmt.Sprintf("data source %s not loaded (%s)", self.Key, self.State)
}

// the underlying query failed. surfaced as an in-cell error marker and
// retryable by re-triggering a reload.
type LoadError struct {
	Key   string
	Cause error
}

func (self *LoadError) Error() string {
	return fmt.Sprintf("data source %s load failed: %s", self.Key, self.Cause)
}

func (self *LoadError) Unwrap() error {
	return self.Cause
}
