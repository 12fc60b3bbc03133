package sheetsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

// silentTransport joins and sends through the relay but never delivers remote
// revisions, forcing the session's base to go stale.
type silentTransport struct {
	*LocalRelay
}

func (self *silentTransport) AddRemoteRevisionCallback(callback RemoteRevisionFunction) func() {
	return func() {}
}

// failingTransport fails sends while tripped, to exercise disconnect and
// reconnect.
type failingTransport struct {
	*LocalRelay

	stateLock sync.Mutex
	fail      bool
}

func (self *failingTransport) setFail(fail bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.fail = fail
}

func (self *failingTransport) SendRevision(ctx context.Context, revision *Revision) (*RevisionAck, error) {
	self.stateLock.Lock()
	fail := self.fail
	self.stateLock.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return self.LocalRelay.SendRevision(ctx, revision)
}

func TestSessionLocalOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	document := NewDocument()
	session := NewSessionWithDefaults(ctx, NewId(), document, nil)
	defer session.Close()

	err := session.Join(ctx, NewId())
	assert.Equal(t, err, nil)
	assert.Equal(t, session.State(), SessionStateSynced)

	position := CellPosition{Sheet: "s1", Row: 0, Col: 0}
	err = session.SendRevision([]*Command{SetCellCommand(position, "hello")})
	assert.Equal(t, err, nil)

	content, ok := document.CellContent(position)
	assert.Equal(t, ok, true)
	assert.Equal(t, content, "hello")
}

func TestSessionTwoClientConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	documentId := NewId()
	relay := NewLocalRelay(documentId, nil)
	defer relay.Close()

	aDocument := NewDocument()
	a := NewSessionWithDefaults(ctx, NewId(), aDocument, relay)
	defer a.Close()
	bDocument := NewDocument()
	b := NewSessionWithDefaults(ctx, NewId(), bDocument, relay)
	defer b.Close()

	assert.Equal(t, a.Join(ctx, documentId), nil)
	assert.Equal(t, b.Join(ctx, documentId), nil)

	aPosition := CellPosition{Sheet: "s1", Row: 0, Col: 0}
	bPosition := CellPosition{Sheet: "s1", Row: 1, Col: 0}

	err := a.SendRevision([]*Command{SetCellCommand(aPosition, "from a")})
	assert.Equal(t, err, nil)
	err = b.SendRevision([]*Command{SetCellCommand(bPosition, "from b")})
	assert.Equal(t, err, nil)

	// local relay broadcasts synchronously, so both documents converged
	for _, document := range []*Document{aDocument, bDocument} {
		content, ok := document.CellContent(aPosition)
		assert.Equal(t, ok, true)
		assert.Equal(t, content, "from a")
		content, ok = document.CellContent(bPosition)
		assert.Equal(t, ok, true)
		assert.Equal(t, content, "from b")
	}
	assert.Equal(t, a.LastAckedId(), b.LastAckedId())
}

func TestSessionSnapshotJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := NewDocument()
	position := CellPosition{Sheet: "s1", Row: 0, Col: 0}
	base.Apply(SetCellCommand(position, "seeded"))
	snapshot, err := base.Snapshot()
	assert.Equal(t, err, nil)

	documentId := NewId()
	relay := NewLocalRelay(documentId, snapshot)
	defer relay.Close()

	document := NewDocument()
	session := NewSessionWithDefaults(ctx, NewId(), document, relay)
	defer session.Close()

	assert.Equal(t, session.Join(ctx, documentId), nil)

	content, ok := document.CellContent(position)
	assert.Equal(t, ok, true)
	assert.Equal(t, content, "seeded")
}

func TestSessionRejectionRebase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	documentId := NewId()
	relay := NewLocalRelay(documentId, nil)
	defer relay.Close()

	aDocument := NewDocument()
	a := NewSessionWithDefaults(ctx, NewId(), aDocument, relay)
	defer a.Close()

	// b hears nothing from the relay, so its base goes stale as soon as a
	// commits
	bDocument := NewDocument()
	b := NewSessionWithDefaults(ctx, NewId(), bDocument, &silentTransport{LocalRelay: relay})
	defer b.Close()

	assert.Equal(t, a.Join(ctx, documentId), nil)
	assert.Equal(t, b.Join(ctx, documentId), nil)

	aPosition := CellPosition{Sheet: "s1", Row: 0, Col: 0}
	bPosition := CellPosition{Sheet: "s1", Row: 1, Col: 0}

	err := a.SendRevision([]*Command{SetCellCommand(aPosition, "from a")})
	assert.Equal(t, err, nil)

	// b's first send is rejected, rebased over a's revision, and resent
	err = b.SendRevision([]*Command{SetCellCommand(bPosition, "from b")})
	assert.Equal(t, err, nil)
	assert.Equal(t, b.State(), SessionStateSynced)

	// the rebase replayed a's revision into b's document
	content, ok := bDocument.CellContent(aPosition)
	assert.Equal(t, ok, true)
	assert.Equal(t, content, "from a")
	content, ok = bDocument.CellContent(bPosition)
	assert.Equal(t, ok, true)
	assert.Equal(t, content, "from b")

	// a received b's committed revision through the relay broadcast
	content, ok = aDocument.CellContent(bPosition)
	assert.Equal(t, ok, true)
	assert.Equal(t, content, "from b")

	assert.Equal(t, a.LastAckedId(), relay.Head())
	assert.Equal(t, b.LastAckedId(), relay.Head())
}

func TestSessionRebaseConflictLastWriterWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	documentId := NewId()
	relay := NewLocalRelay(documentId, nil)
	defer relay.Close()

	aDocument := NewDocument()
	a := NewSessionWithDefaults(ctx, NewId(), aDocument, relay)
	defer a.Close()
	bDocument := NewDocument()
	b := NewSessionWithDefaults(ctx, NewId(), bDocument, &silentTransport{LocalRelay: relay})
	defer b.Close()

	assert.Equal(t, a.Join(ctx, documentId), nil)
	assert.Equal(t, b.Join(ctx, documentId), nil)

	// both edit the same cell. b commits second, so b's value wins
	// everywhere.
	position := CellPosition{Sheet: "s1", Row: 0, Col: 0}
	assert.Equal(t, a.SendRevision([]*Command{SetCellCommand(position, "from a")}), nil)
	assert.Equal(t, b.SendRevision([]*Command{SetCellCommand(position, "from b")}), nil)

	content, _ := aDocument.CellContent(position)
	assert.Equal(t, content, "from b")
	content, _ = bDocument.CellContent(position)
	assert.Equal(t, content, "from b")
}

func TestSessionDivergedAfterCompact(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	documentId := NewId()
	relay := NewLocalRelay(documentId, nil)
	defer relay.Close()

	aDocument := NewDocument()
	a := NewSessionWithDefaults(ctx, NewId(), aDocument, relay)
	defer a.Close()
	bDocument := NewDocument()
	b := NewSessionWithDefaults(ctx, NewId(), bDocument, &silentTransport{LocalRelay: relay})
	defer b.Close()

	assert.Equal(t, a.Join(ctx, documentId), nil)
	assert.Equal(t, b.Join(ctx, documentId), nil)

	aPosition := CellPosition{Sheet: "s1", Row: 0, Col: 0}
	assert.Equal(t, a.SendRevision([]*Command{SetCellCommand(aPosition, "one")}), nil)
	assert.Equal(t, a.SendRevision([]*Command{SetCellCommand(aPosition, "two")}), nil)

	// the history b would need for a rebase is gone
	relay.Compact(1)

	bPosition := CellPosition{Sheet: "s1", Row: 1, Col: 0}
	err := b.SendRevision([]*Command{SetCellCommand(bPosition, "from b")})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, b.State(), SessionStateDiverged)

	// the optimistic edit was reverted
	_, ok := bDocument.CellContent(bPosition)
	assert.Equal(t, ok, false)

	// a diverged session refuses further edits until a full reload
	err = b.SendRevision([]*Command{SetCellCommand(bPosition, "again")})
	assert.NotEqual(t, err, nil)
}

func TestSessionDisconnectAndReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	documentId := NewId()
	relay := NewLocalRelay(documentId, nil)
	defer relay.Close()

	transport := &failingTransport{LocalRelay: relay}
	document := NewDocument()
	session := NewSessionWithDefaults(ctx, NewId(), document, transport)
	defer session.Close()

	assert.Equal(t, session.Join(ctx, documentId), nil)

	transport.setFail(true)

	position := CellPosition{Sheet: "s1", Row: 0, Col: 0}
	err := session.SendRevision([]*Command{SetCellCommand(position, "offline edit")})
	var unavailable *ChannelUnavailableError
	assert.Equal(t, errors.As(err, &unavailable), true)
	assert.Equal(t, session.State(), SessionStateDisconnected)

	// the optimistic edit is kept locally while disconnected
	content, ok := document.CellContent(position)
	assert.Equal(t, ok, true)
	assert.Equal(t, content, "offline edit")

	// further edits queue without touching the channel
	position2 := CellPosition{Sheet: "s1", Row: 1, Col: 0}
	err = session.SendRevision([]*Command{SetCellCommand(position2, "queued edit")})
	assert.Equal(t, err, nil)

	transport.setFail(false)

	// reconnect flushes the queued edits in order
	assert.Equal(t, session.Reconnect(ctx), nil)
	assert.Equal(t, session.State(), SessionStateSynced)
	assert.NotEqual(t, relay.Head(), Id{})
	assert.Equal(t, session.LastAckedId(), relay.Head())

	missed, err := relay.RevisionsSince(ctx, Id{})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(missed), 2)
	assert.Equal(t, missed[0].Commands[0].Content, "offline edit")
	assert.Equal(t, missed[1].Commands[0].Content, "queued edit")
}

func TestSessionStateCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	documentId := NewId()
	relay := NewLocalRelay(documentId, nil)
	defer relay.Close()

	session := NewSessionWithDefaults(ctx, NewId(), NewDocument(), relay)
	defer session.Close()

	states := []SessionState{}
	removeCallback := session.AddStateChangeCallback(func(state SessionState) {
		states = append(states, state)
	})
	defer removeCallback()

	assert.Equal(t, session.Join(ctx, documentId), nil)
	assert.Equal(t, states, []SessionState{SessionStateConnecting, SessionStateSynced})
}
