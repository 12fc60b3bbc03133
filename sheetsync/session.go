package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// session state machine is:
// SessionStateDisconnected
//
//	-> SessionStateConnecting
//	  -> SessionStateSynced
//	  -> SessionStateDisconnected
//	synced -> SessionStateDisconnected on channel loss
//	any -> SessionStateDiverged when relay history was compacted past the
//	client's last acknowledged position (full reload required)
type SessionState string

const (
	SessionStateDisconnected SessionState = "Disconnected"
	SessionStateConnecting   SessionState = "Connecting"
	SessionStateSynced       SessionState = "Synced"
	SessionStateDiverged     SessionState = "Diverged"
)

type SessionStateChangeFunction = func(state SessionState)

// optimistic concurrency conflict that could not be resolved by rebasing.
type RevisionRejectedError struct {
	RevisionId Id
	Attempts   int
}

func (self *RevisionRejectedError) Error() string {
	return fmt.Sprintf("revision %s rejected after %d attempts", self.RevisionId, self.Attempts)
}

type SessionSettings struct {
	AckTimeout        time.Duration
	MaxRebaseAttempts int
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		AckTimeout:        10 * time.Second,
		MaxRebaseAttempts: 8,
	}
}

type pendingRevision struct {
	revision *Revision
	inverses []*Command
}

type queuedBatch struct {
	commands []*Command
	inverses []*Command
}

// Session owns the document's revision order on this client. Local edits are
// applied optimistically and sent to the relay as revisions; remote revisions
// are replayed in relay order. Nothing applies a remote command outside the
// session's replay path.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId   Id
	documentId Id
	document   *Document
	// nil means local-only editing (no collaboration)
	transport RelayTransport

	settings *SessionSettings

	stateLock   sync.Mutex
	state       SessionState
	lastAckedId Id
	// committed revision ids already replayed locally
	applied map[Id]bool
	pending *pendingRevision
	// local batches applied optimistically but not yet sent
	queued []queuedBatch
	// remote revisions received while a local revision was pending
	pendingRemote []*Revision

	removeRemoteCallback func()

	stateCallbacks *CallbackList[SessionStateChangeFunction]
}

func NewSessionWithDefaults(
	ctx context.Context,
	clientId Id,
	document *Document,
	transport RelayTransport,
) *Session {
	return NewSession(ctx, clientId, document, transport, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	clientId Id,
	document *Document,
	transport RelayTransport,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:            cancelCtx,
		cancel:         cancel,
		clientId:       clientId,
		document:       document,
		transport:      transport,
		settings:       settings,
		state:          SessionStateDisconnected,
		applied:        map[Id]bool{},
		stateCallbacks: NewCallbackList[SessionStateChangeFunction](),
	}
}

func (self *Session) ClientId() Id {
	return self.clientId
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) LastAckedId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastAckedId
}

func (self *Session) AddStateChangeCallback(callback SessionStateChangeFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Session) setState(state SessionState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()
	if changed {
		self.emitState(state)
	}
}

func (self *Session) emitState(state SessionState) {
	for _, callback := range self.stateCallbacks.Get() {
		func() {
			defer recover()
			callback(state)
		}()
	}
}

// Join loads the relay snapshot and subscribes to remote revisions.
// A nil transport joins in local-only mode: edits apply locally and no
// collaboration happens, without breaking editing.
func (self *Session) Join(ctx context.Context, documentId Id) error {
	self.documentId = documentId

	if self.transport == nil {
		self.setState(SessionStateSynced)
		return nil
	}

	self.setState(SessionStateConnecting)

	joinCtx, joinCancel := context.WithTimeout(ctx, self.settings.AckTimeout)
	defer joinCancel()
	join, err := self.transport.Join(joinCtx, documentId)
	if err != nil {
		glog.Infof("[session]join error %s = %s\n", self.clientId, err)
		self.setState(SessionStateDisconnected)
		return &ChannelUnavailableError{Cause: err}
	}
	if err := self.document.LoadSnapshot(join.Snapshot); err != nil {
		self.setState(SessionStateDisconnected)
		return err
	}

	self.stateLock.Lock()
	self.lastAckedId = join.LastRevisionId
	self.applied = map[Id]bool{}
	if self.removeRemoteCallback == nil {
		self.removeRemoteCallback = self.transport.AddRemoteRevisionCallback(self.remoteRevision)
	}
	self.stateLock.Unlock()

	self.setState(SessionStateSynced)
	return nil
}

// SendRevision applies the commands locally immediately (optimistic
// concurrency) and sends them to the relay as one revision. On rejection the
// revision is rebased onto the revisions committed first and resent, up to
// MaxRebaseAttempts.
func (self *Session) SendRevision(commands []*Command) error {
	if len(commands) == 0 {
		return nil
	}

	self.stateLock.Lock()
	if self.state == SessionStateDiverged {
		self.stateLock.Unlock()
		return errors.New("session diverged: full document reload required")
	}

	inverses, err := self.document.ApplyAll(commands)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}

	if self.transport == nil {
		// local-only
		self.stateLock.Unlock()
		return nil
	}

	if self.pending != nil || self.state != SessionStateSynced {
		// behind the in-flight revision, or waiting for reconnect
		self.queued = append(self.queued, queuedBatch{commands: commands, inverses: inverses})
		self.stateLock.Unlock()
		return nil
	}

	revision := NewRevision(self.clientId, self.lastAckedId, commands)
	self.pending = &pendingRevision{revision: revision, inverses: inverses}
	self.stateLock.Unlock()

	err = self.submit(revision)
	self.drainQueued()
	return err
}

func (self *Session) submit(revision *Revision) error {
	attempts := 0
	for {
		ackCtx, ackCancel := context.WithTimeout(self.ctx, self.settings.AckTimeout)
		ack, err := self.transport.SendRevision(ackCtx, revision)
		ackCancel()
		if err != nil {
			// channel failure or ack timeout. keep the optimistic local
			// edits and requeue them for after reconnect.
			self.stateLock.Lock()
			pending := self.pending
			self.pending = nil
			if pending != nil {
				self.queued = append([]queuedBatch{{
					commands: pending.revision.Commands,
					inverses: pending.inverses,
				}}, self.queued...)
			}
			self.pendingRemote = nil
			changed := self.state != SessionStateDisconnected
			self.state = SessionStateDisconnected
			self.stateLock.Unlock()
			if changed {
				self.emitState(SessionStateDisconnected)
			}
			glog.Infof("[session]send error %s = %s\n", self.clientId, err)
			return &ChannelUnavailableError{Cause: err}
		}

		if ack.Accepted {
			self.stateLock.Lock()
			self.lastAckedId = revision.Id
			self.applied[revision.Id] = true
			self.pending = nil
			// replay remote revisions buffered behind the pending one, in
			// relay order
			remotes := self.pendingRemote
			self.pendingRemote = nil
			for _, remote := range remotes {
				self.applyRevisionLocked(remote)
			}
			self.stateLock.Unlock()
			glog.V(2).Infof("[session]committed %s\n", revision.Id)
			return nil
		}

		// rejected: our base is stale
		attempts += 1
		if self.settings.MaxRebaseAttempts <= attempts {
			self.stateLock.Lock()
			pending := self.pending
			self.pending = nil
			if pending != nil {
				self.document.ApplyAll(pending.inverses)
			}
			self.stateLock.Unlock()
			glog.Infof("[session]revision %s rejected, retries exhausted\n", revision.Id)
			return &RevisionRejectedError{RevisionId: revision.Id, Attempts: attempts}
		}

		state, rebaseErr := self.rebase()
		if state != "" {
			self.setState(state)
		}
		if rebaseErr != nil {
			return rebaseErr
		}
		glog.V(2).Infof("[session]rebase resend %s attempt=%d\n", revision.Id, attempts)
	}
}

// rebase reverts the optimistic local edits, replays the remote revisions
// committed ahead of ours, and re-applies the local edits on the new base.
// Returns the state to transition to, if any.
func (self *Session) rebase() (SessionState, error) {
	catchUpCtx, catchUpCancel := context.WithTimeout(self.ctx, self.settings.AckTimeout)
	defer catchUpCancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending := self.pending
	if pending == nil {
		return "", nil
	}

	missed, err := self.transport.RevisionsSince(catchUpCtx, self.lastAckedId)
	if errors.Is(err, ErrHistoryCompacted) {
		// cannot recover incrementally: drop all optimistic state
		for i := len(self.queued) - 1; 0 <= i; i -= 1 {
			self.document.ApplyAll(self.queued[i].inverses)
		}
		self.document.ApplyAll(pending.inverses)
		self.pending = nil
		self.queued = nil
		self.pendingRemote = nil
		return SessionStateDiverged, fmt.Errorf("session diverged: %w", err)
	}
	if err != nil {
		self.pending = nil
		self.queued = append([]queuedBatch{{
			commands: pending.revision.Commands,
			inverses: pending.inverses,
		}}, self.queued...)
		self.pendingRemote = nil
		return SessionStateDisconnected, &ChannelUnavailableError{Cause: err}
	}

	// revert optimistic edits, newest first
	for i := len(self.queued) - 1; 0 <= i; i -= 1 {
		self.document.ApplyAll(self.queued[i].inverses)
	}
	self.document.ApplyAll(pending.inverses)

	// replay what the relay committed first
	for _, remote := range missed {
		self.applyRevisionLocked(remote)
	}
	self.pendingRemote = nil

	// re-apply local edits on top of the new base
	inverses, applyErr := self.document.ApplyAll(pending.revision.Commands)
	if applyErr != nil {
		self.pending = nil
		return "", applyErr
	}
	pending.inverses = inverses
	pending.revision.BaseId = self.lastAckedId
	for i := range self.queued {
		batchInverses, batchErr := self.document.ApplyAll(self.queued[i].commands)
		if batchErr != nil {
			continue
		}
		self.queued[i].inverses = batchInverses
	}
	return "", nil
}

func (self *Session) applyRevisionLocked(revision *Revision) {
	if revision.ClientId == self.clientId || self.applied[revision.Id] {
		return
	}
	if _, err := self.document.ApplyAll(revision.Commands); err != nil {
		glog.Infof("[session]replay error %s = %s\n", revision.Id, err)
		return
	}
	self.applied[revision.Id] = true
	self.lastAckedId = revision.Id
}

// remote revisions delivered by the transport, in relay order
func (self *Session) remoteRevision(revision *Revision) {
	self.stateLock.Lock()

	if revision.ClientId == self.clientId || self.applied[revision.Id] {
		self.stateLock.Unlock()
		return
	}
	if self.pending != nil {
		// hold until the pending local revision resolves
		self.pendingRemote = append(self.pendingRemote, revision)
		self.stateLock.Unlock()
		return
	}
	if revision.BaseId != self.lastAckedId {
		// gap: catch up from the relay rather than apply out of order
		catchUpCtx, catchUpCancel := context.WithTimeout(self.ctx, self.settings.AckTimeout)
		missed, err := self.transport.RevisionsSince(catchUpCtx, self.lastAckedId)
		catchUpCancel()
		if errors.Is(err, ErrHistoryCompacted) {
			changed := self.state != SessionStateDiverged
			self.state = SessionStateDiverged
			self.stateLock.Unlock()
			if changed {
				self.emitState(SessionStateDiverged)
			}
			return
		}
		if err != nil {
			self.stateLock.Unlock()
			glog.Infof("[session]catch up error %s = %s\n", self.clientId, err)
			return
		}
		for _, remote := range missed {
			self.applyRevisionLocked(remote)
		}
		self.stateLock.Unlock()
		return
	}
	self.applyRevisionLocked(revision)
	self.stateLock.Unlock()
}

// Reconnect catches up on all revisions since the last acknowledged position
// before accepting new edits, then flushes edits queued while disconnected.
func (self *Session) Reconnect(ctx context.Context) error {
	if self.transport == nil {
		return nil
	}
	self.setState(SessionStateConnecting)

	catchUpCtx, catchUpCancel := context.WithTimeout(ctx, self.settings.AckTimeout)
	defer catchUpCancel()

	self.stateLock.Lock()
	missed, err := self.transport.RevisionsSince(catchUpCtx, self.lastAckedId)
	if errors.Is(err, ErrHistoryCompacted) {
		self.queued = nil
		self.pendingRemote = nil
		self.stateLock.Unlock()
		self.setState(SessionStateDiverged)
		return fmt.Errorf("session diverged: %w", err)
	}
	if err != nil {
		self.stateLock.Unlock()
		self.setState(SessionStateDisconnected)
		return &ChannelUnavailableError{Cause: err}
	}
	for _, remote := range missed {
		self.applyRevisionLocked(remote)
	}
	if self.removeRemoteCallback == nil {
		self.removeRemoteCallback = self.transport.AddRemoteRevisionCallback(self.remoteRevision)
	}
	self.stateLock.Unlock()

	self.setState(SessionStateSynced)
	self.drainQueued()
	return nil
}

// send batches queued behind a pending revision or a disconnect, oldest
// first
func (self *Session) drainQueued() {
	for {
		self.stateLock.Lock()
		if self.pending != nil || len(self.queued) == 0 || self.state != SessionStateSynced {
			self.stateLock.Unlock()
			return
		}
		batch := self.queued[0]
		self.queued = self.queued[1:]
		revision := NewRevision(self.clientId, self.lastAckedId, batch.commands)
		self.pending = &pendingRevision{revision: revision, inverses: batch.inverses}
		self.stateLock.Unlock()

		if err := self.submit(revision); err != nil {
			glog.Infof("[session]queued send error %s = %s\n", self.clientId, err)
			return
		}
	}
}

func (self *Session) Close() {
	self.stateLock.Lock()
	removeRemoteCallback := self.removeRemoteCallback
	self.removeRemoteCallback = nil
	self.stateLock.Unlock()
	if removeRemoteCallback != nil {
		removeRemoteCallback()
	}
	self.cancel()
}
