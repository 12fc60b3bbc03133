package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type RemoteRevisionFunction = func(revision *Revision)

// the relay no longer holds the revisions between the client's last
// acknowledged position and the current head. the client must reload the
// full document.
var ErrHistoryCompacted = errors.New("revision history compacted")

// relay unreachable. the session degrades to local-only editing.
type ChannelUnavailableError struct {
	Cause error
}

func (self *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("relay channel unavailable: %s", self.Cause)
}

func (self *ChannelUnavailableError) Unwrap() error {
	return self.Cause
}

// RelayTransport is the bidirectional channel to the relay for one document.
// The relay is the single source of truth for revision ordering; the
// transport never reorders revisions.
type RelayTransport interface {
	Join(ctx context.Context, documentId Id) (*JoinResult, error)
	SendRevision(ctx context.Context, revision *Revision) (*RevisionAck, error)
	// all committed revisions after `revisionId`, in relay order.
	// returns ErrHistoryCompacted if the relay no longer holds them.
	RevisionsSince(ctx context.Context, revisionId Id) ([]*Revision, error)
	AddRemoteRevisionCallback(callback RemoteRevisionFunction) func()
	Close()
}

// LocalRelay is an in-process relay: it totally orders revisions for one
// document and rebroadcasts committed revisions to every connected
// transport. It backs single-process embedding and the convergence tests.
type LocalRelay struct {
	documentId Id

	stateLock sync.Mutex
	snapshot  []byte
	// committed revisions in order, possibly compacted at the front
	revisions []*Revision
	headId    Id
	// the id committed revisions were compacted up to (exclusive of the
	// retained suffix). zero when nothing was compacted.
	compactedId   Id
	compacted     bool
	closed        bool

	// deliveries stay in commit order
	broadcastLock sync.Mutex

	revisionCallbacks *CallbackList[RemoteRevisionFunction]
}

func NewLocalRelay(documentId Id, snapshot []byte) *LocalRelay {
	return &LocalRelay{
		documentId:        documentId,
		snapshot:          snapshot,
		revisions:         []*Revision{},
		revisionCallbacks: NewCallbackList[RemoteRevisionFunction](),
	}
}

func (self *LocalRelay) DocumentId() Id {
	return self.documentId
}

func (self *LocalRelay) Join(ctx context.Context, documentId Id) (*JoinResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, &ChannelUnavailableError{Cause: errors.New("relay closed")}
	}
	if documentId != self.documentId {
		return nil, fmt.Errorf("unknown document %s", documentId)
	}
	return &JoinResult{
		Snapshot:       self.snapshot,
		LastRevisionId: self.headId,
	}, nil
}

func (self *LocalRelay) SendRevision(ctx context.Context, revision *Revision) (*RevisionAck, error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil, &ChannelUnavailableError{Cause: errors.New("relay closed")}
	}
	if revision.BaseId != self.headId {
		ack := &RevisionAck{
			RevisionId:        revision.Id,
			Accepted:          false,
			CurrentRevisionId: self.headId,
		}
		self.stateLock.Unlock()
		glog.V(2).Infof("[relay]reject %s base=%s head=%s\n", revision.Id, revision.BaseId, ack.CurrentRevisionId)
		return ack, nil
	}
	self.revisions = append(self.revisions, revision)
	self.headId = revision.Id
	ack := &RevisionAck{
		RevisionId:        revision.Id,
		Accepted:          true,
		CurrentRevisionId: revision.Id,
	}
	self.stateLock.Unlock()

	// broadcast outside the state lock so a client may send while another
	// client's delivery is in progress. the broadcast lock keeps deliveries
	// in commit order.
	self.broadcastLock.Lock()
	defer self.broadcastLock.Unlock()
	for _, callback := range self.revisionCallbacks.Get() {
		func() {
			defer recover()
			callback(revision)
		}()
	}
	return ack, nil
}

func (self *LocalRelay) RevisionsSince(ctx context.Context, revisionId Id) ([]*Revision, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, &ChannelUnavailableError{Cause: errors.New("relay closed")}
	}
	if revisionId == self.headId {
		return []*Revision{}, nil
	}
	if (revisionId == Id{}) {
		if self.compacted {
			return nil, ErrHistoryCompacted
		}
		return append([]*Revision{}, self.revisions...), nil
	}
	if self.compacted && revisionId == self.compactedId {
		// exactly at the compaction boundary. the retained suffix is the
		// full catch-up.
		return append([]*Revision{}, self.revisions...), nil
	}
	for i, revision := range self.revisions {
		if revision.Id == revisionId {
			return append([]*Revision{}, self.revisions[i+1:]...), nil
		}
	}
	// unknown base. either compacted away or never committed; both require
	// a full reload.
	return nil, ErrHistoryCompacted
}

// Compact drops all but the last `keep` committed revisions. Clients whose
// last acknowledged position falls in the dropped prefix diverge on their
// next catch-up.
func (self *LocalRelay) Compact(keep int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.revisions) <= keep {
		return
	}
	drop := len(self.revisions) - keep
	self.compactedId = self.revisions[drop-1].Id
	self.revisions = append([]*Revision{}, self.revisions[drop:]...)
	self.compacted = true
}

func (self *LocalRelay) AddRemoteRevisionCallback(callback RemoteRevisionFunction) func() {
	callbackId := self.revisionCallbacks.Add(callback)
	return func() {
		self.revisionCallbacks.Remove(callbackId)
	}
}

func (self *LocalRelay) Head() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.headId
}

func (self *LocalRelay) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closed = true
}
