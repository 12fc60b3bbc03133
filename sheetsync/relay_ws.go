package sheetsync

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const frameTypeAuth = "auth"

// error message the relay uses when the requested history was compacted
const relayMessageCompacted = "history_compacted"

type WsRelaySettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
}

func DefaultWsRelaySettings() *WsRelaySettings {
	return &WsRelaySettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     10 * time.Second,
	}
}

type RelayAuth struct {
	ByJwt      string
	ClientId   Id
	AppVersion string
}

// WsRelayTransport is a websocket client for a relay server. It maintains one
// connection with auth handshake, ping keepalive and reconnect, correlates
// request/response frames by request id, and surfaces remote revision frames
// through callbacks.
type WsRelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	auth     *RelayAuth

	settings *WsRelaySettings

	stateLock sync.Mutex
	conn      *websocket.Conn
	// request id -> response
	requests map[Id]chan *relayFrame

	// gorilla/websocket allows a single concurrent writer
	writeLock sync.Mutex

	// remote revision frames are handed off the read loop and delivered in
	// arrival order by the dispatcher goroutine. a callback may block on a
	// correlated request, and the read loop must stay free to read the
	// response.
	remoteLock   sync.Mutex
	remoteQueue  []*Revision
	remoteNotify chan struct{}

	revisionCallbacks *CallbackList[RemoteRevisionFunction]
}

func NewWsRelayTransportWithDefaults(
	ctx context.Context,
	relayUrl string,
	auth *RelayAuth,
) *WsRelayTransport {
	return NewWsRelayTransport(ctx, relayUrl, auth, DefaultWsRelaySettings())
}

func NewWsRelayTransport(
	ctx context.Context,
	relayUrl string,
	auth *RelayAuth,
	settings *WsRelaySettings,
) *WsRelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsRelayTransport{
		ctx:               cancelCtx,
		cancel:            cancel,
		relayUrl:          relayUrl,
		auth:              auth,
		settings:          settings,
		requests:          map[Id]chan *relayFrame{},
		remoteNotify:      make(chan struct{}, 1),
		revisionCallbacks: NewCallbackList[RemoteRevisionFunction](),
	}
	go transport.run()
	go transport.dispatchRemote()
	return transport
}

func (self *WsRelayTransport) run() {
	defer self.cancel()

	authBytes, err := encodeRelayFrame(&relayFrame{
		Type:    frameTypeAuth,
		Message: self.auth.ByJwt,
		// the client id rides in the request id slot of the auth frame
		RequestId: self.auth.ClientId,
	})
	if err != nil {
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[relay]auth error %s = %s\n", self.auth.ClientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.stateLock.Lock()
		self.conn = ws
		self.stateLock.Unlock()

		func() {
			defer func() {
				ws.Close()
				self.stateLock.Lock()
				self.conn = nil
				// fail outstanding requests so callers can retry
				for requestId, response := range self.requests {
					close(response)
					delete(self.requests, requestId)
				}
				self.stateLock.Unlock()
			}()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			// ping keepalive
			go func() {
				defer handleCancel()
				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
						self.writeLock.Lock()
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0))
						self.writeLock.Unlock()
						if err != nil {
							// a websocket deadline timeout cannot be recovered
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[relay]%s<- error = %s\n", self.auth.ClientId, err)
					return
				}

				switch messageType {
				case websocket.TextMessage:
					if 0 == len(message) {
						// ping
						glog.V(2).Infof("[relay]ping %s<-\n", self.auth.ClientId)
						continue
					}
					frame, err := decodeRelayFrame(message)
					if err != nil {
						glog.Infof("[relay]bad frame %s<- = %s\n", self.auth.ClientId, err)
						continue
					}
					self.dispatch(frame)
				default:
					glog.V(2).Infof("[relay]other=%d %s<-\n", messageType, self.auth.ClientId)
				}
			}
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// dispatch runs on the read loop and must never block
func (self *WsRelayTransport) dispatch(frame *relayFrame) {
	switch frame.Type {
	case frameTypeRemoteRevision:
		if frame.Revision == nil {
			return
		}
		self.remoteLock.Lock()
		self.remoteQueue = append(self.remoteQueue, frame.Revision)
		self.remoteLock.Unlock()
		select {
		case self.remoteNotify <- struct{}{}:
		default:
		}
	default:
		self.stateLock.Lock()
		response, ok := self.requests[frame.RequestId]
		if ok {
			delete(self.requests, frame.RequestId)
		}
		self.stateLock.Unlock()
		if ok {
			response <- frame
		} else {
			glog.V(2).Infof("[relay]unmatched %s frame %s<-\n", frame.Type, self.auth.ClientId)
		}
	}
}

// deliver queued remote revisions in arrival order. runs off the read loop
// so a callback may issue a correlated request and wait for its response.
func (self *WsRelayTransport) dispatchRemote() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.remoteNotify:
		}
		for {
			self.remoteLock.Lock()
			if len(self.remoteQueue) == 0 {
				self.remoteLock.Unlock()
				break
			}
			revision := self.remoteQueue[0]
			self.remoteQueue = self.remoteQueue[1:]
			self.remoteLock.Unlock()

			for _, callback := range self.revisionCallbacks.Get() {
				func() {
					defer recover()
					callback(revision)
				}()
			}
		}
	}
}

// write one frame and wait for the correlated response
func (self *WsRelayTransport) request(ctx context.Context, frame *relayFrame) (*relayFrame, error) {
	frame.RequestId = NewId()
	frameBytes, err := encodeRelayFrame(frame)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	ws := self.conn
	if ws == nil {
		self.stateLock.Unlock()
		return nil, &ChannelUnavailableError{Cause: fmt.Errorf("not connected")}
	}
	response := make(chan *relayFrame, 1)
	self.requests[frame.RequestId] = response
	self.stateLock.Unlock()

	self.writeLock.Lock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = ws.WriteMessage(websocket.TextMessage, frameBytes)
	self.writeLock.Unlock()
	if err != nil {
		self.stateLock.Lock()
		delete(self.requests, frame.RequestId)
		self.stateLock.Unlock()
		return nil, &ChannelUnavailableError{Cause: err}
	}

	requestCtx, requestCancel := context.WithTimeout(ctx, self.settings.RequestTimeout)
	defer requestCancel()
	select {
	case responseFrame, ok := <-response:
		if !ok {
			// connection dropped with the request outstanding
			return nil, &ChannelUnavailableError{Cause: fmt.Errorf("connection lost")}
		}
		if responseFrame.Type == frameTypeError {
			if responseFrame.Message == relayMessageCompacted {
				return nil, ErrHistoryCompacted
			}
			return nil, fmt.Errorf("relay error: %s", responseFrame.Message)
		}
		return responseFrame, nil
	case <-requestCtx.Done():
		self.stateLock.Lock()
		delete(self.requests, frame.RequestId)
		self.stateLock.Unlock()
		return nil, &ChannelUnavailableError{Cause: requestCtx.Err()}
	}
}

// RelayTransport implementation

func (self *WsRelayTransport) Join(ctx context.Context, documentId Id) (*JoinResult, error) {
	response, err := self.request(ctx, &relayFrame{
		Type:       frameTypeJoin,
		DocumentId: documentId,
	})
	if err != nil {
		return nil, err
	}
	if response.Join == nil {
		return nil, fmt.Errorf("malformed join response")
	}
	return response.Join, nil
}

func (self *WsRelayTransport) SendRevision(ctx context.Context, revision *Revision) (*RevisionAck, error) {
	response, err := self.request(ctx, &relayFrame{
		Type:     frameTypeRevision,
		Revision: revision,
	})
	if err != nil {
		return nil, err
	}
	if response.Ack == nil {
		return nil, fmt.Errorf("malformed revision ack")
	}
	return response.Ack, nil
}

func (self *WsRelayTransport) RevisionsSince(ctx context.Context, revisionId Id) ([]*Revision, error) {
	response, err := self.request(ctx, &relayFrame{
		Type:    frameTypeRevisionsSince,
		SinceId: revisionId,
	})
	if err != nil {
		return nil, err
	}
	return response.Revisions, nil
}

func (self *WsRelayTransport) AddRemoteRevisionCallback(callback RemoteRevisionFunction) func() {
	callbackId := self.revisionCallbacks.Add(callback)
	return func() {
		self.revisionCallbacks.Remove(callbackId)
	}
}

func (self *WsRelayTransport) Close() {
	self.cancel()
}
