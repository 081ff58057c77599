package collab

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// Channel owns the duplex real-time connection: lifecycle, bounded
// reconnection, and dispatch of inbound frames into the document state.
//
// The channel is best effort. Sends are silently dropped unless the
// channel is open; there is no store-and-forward buffer. A caller that
// needs delivery guarantees pairs the send with the durable write, which
// is the actual source of truth.

type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosing
	ChannelBackoff
)

func (self ChannelState) String() string {
	switch self {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ChannelSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	SendBufferSize int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout:   5 * time.Second,
		PingTimeout:          15 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          60 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		SendBufferSize:       32,
	}
}

type ChannelStatusFunction = func(state ChannelState)

type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl string
	identity   *ClientIdentity
	document   *DocumentState

	settings *ChannelSettings

	mutex            sync.Mutex
	state            ChannelState
	offline          bool
	reconnectAttempt int
	userName         string
	send             chan []byte
	retryTimer       *time.Timer

	stateMonitor    *Monitor
	statusCallbacks *CallbackList[ChannelStatusFunction]
}

func NewChannelWithDefaults(
	ctx context.Context,
	channelUrl string,
	identity *ClientIdentity,
	document *DocumentState,
) *Channel {
	return NewChannel(ctx, channelUrl, identity, document, DefaultChannelSettings())
}

func NewChannel(
	ctx context.Context,
	channelUrl string,
	identity *ClientIdentity,
	document *DocumentState,
	settings *ChannelSettings,
) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Channel{
		ctx:             cancelCtx,
		cancel:          cancel,
		channelUrl:      channelUrl,
		identity:        identity,
		document:        document,
		settings:        settings,
		state:           ChannelDisconnected,
		stateMonitor:    NewMonitor(),
		statusCallbacks: NewCallbackList[ChannelStatusFunction](),
	}
}

func (self *Channel) State() ChannelState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// Offline is true after the attempt budget is exhausted. The channel
// stays down until an explicit Connect.
func (self *Channel) Offline() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.offline
}

// StateMonitor notifies on every state transition.
func (self *Channel) StateMonitor() *Monitor {
	return self.stateMonitor
}

// AddStatusCallback registers a state observer. The returned function
// removes it.
func (self *Channel) AddStatusCallback(statusCallback ChannelStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

// Connect opens the channel with the given display name. A no-op while
// connecting or open, so duplicate sockets are never created.
func (self *Channel) Connect(userName string) {
	self.mutex.Lock()
	switch self.state {
	case ChannelConnecting, ChannelOpen:
		self.mutex.Unlock()
		return
	}
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
	self.userName = userName
	self.offline = false
	self.reconnectAttempt = 0
	self.setStateLocked(ChannelConnecting)
	self.mutex.Unlock()

	go self.run()
}

// Disconnect tears the channel down without scheduling a reconnect. This
// is terminal for this channel instance.
func (self *Channel) Disconnect() {
	self.mutex.Lock()
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
	switch self.state {
	case ChannelConnecting, ChannelOpen:
		self.setStateLocked(ChannelClosing)
	case ChannelBackoff:
		self.setStateLocked(ChannelDisconnected)
	}
	self.mutex.Unlock()

	self.cancel()
}

// caller must hold the mutex
func (self *Channel) setStateLocked(state ChannelState) {
	if self.state == state {
		return
	}
	glog.V(1).Infof("[ch]%s -> %s\n", self.state, state)
	self.state = state

	self.mutex.Unlock()
	self.stateMonitor.NotifyAll()
	for _, statusCallback := range self.statusCallbacks.Get() {
		func() {
			defer recover()
			statusCallback(state)
		}()
	}
	self.mutex.Lock()
}

func (self *Channel) connectUrl() string {
	return fmt.Sprintf("%s?name=%s", self.channelUrl, url.QueryEscape(self.userName))
}

// run manages one connection: dial, then reader and writer loops. On any
// exit that was not a deliberate disconnect, it hands off to the backoff
// scheduler.
func (self *Channel) run() {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.connectUrl(), nil)
	if err != nil {
		glog.Infof("[ch]connect error = %s\n", err)
		self.connectionClosed()
		return
	}

	self.mutex.Lock()
	if self.state != ChannelConnecting {
		// disconnected while dialing
		self.mutex.Unlock()
		ws.Close()
		return
	}
	send := make(chan []byte, self.settings.SendBufferSize)
	self.send = send
	self.reconnectAttempt = 0
	self.setStateLocked(ChannelOpen)
	userName := self.userName
	self.mutex.Unlock()

	self.identity.Status = StatusOnline
	self.document.AddOnlineUser(&User{
		Id:     self.identity.Id,
		Name:   userName,
		Status: StatusOnline,
	})

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[cs]%s-> error = %s\n", self.identity.Id, err)
					return
				}
				glog.V(2).Infof("[cs]%s->\n", self.identity.Id)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[cr]%s<- error = %s\n", self.identity.Id, err)
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				self.dispatch(message)
			default:
				glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, self.identity.Id)
			}
		}
	}()

	<-handleCtx.Done()
	ws.Close()

	self.mutex.Lock()
	self.send = nil
	self.mutex.Unlock()

	self.identity.Status = StatusOffline
	self.document.RemoveOnlineUser(self.identity.Id)

	self.connectionClosed()
}

// connectionClosed schedules the next reconnection attempt with
// exponential backoff, or fail-stops after the attempt budget. A
// deliberate disconnect goes straight to Disconnected.
func (self *Channel) connectionClosed() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.state == ChannelClosing || self.ctx.Err() != nil {
		self.setStateLocked(ChannelDisconnected)
		return
	}

	if self.settings.MaxReconnectAttempts <= self.reconnectAttempt {
		glog.Infof("[ch]offline after %d attempts\n", self.reconnectAttempt)
		self.offline = true
		self.setStateLocked(ChannelDisconnected)
		return
	}

	delay := reconnectDelay(
		self.reconnectAttempt,
		self.settings.ReconnectBaseDelay,
		self.settings.ReconnectMaxDelay,
	)
	self.reconnectAttempt += 1
	glog.Infof("[ch]reconnect %d/%d in %s\n", self.reconnectAttempt, self.settings.MaxReconnectAttempts, delay)
	self.setStateLocked(ChannelBackoff)
	self.retryTimer = time.AfterFunc(delay, func() {
		self.mutex.Lock()
		if self.state != ChannelBackoff {
			self.mutex.Unlock()
			return
		}
		self.retryTimer = nil
		self.setStateLocked(ChannelConnecting)
		self.mutex.Unlock()

		go self.run()
	})
}

// reconnectDelay is min(maxDelay, base * 2^attempt), attempt counted
// from 0.
func reconnectDelay(attempt int, base time.Duration, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i += 1 {
		delay *= 2
		if maxDelay <= delay {
			return maxDelay
		}
	}
	if maxDelay < delay {
		return maxDelay
	}
	return delay
}

func (self *Channel) dispatch(message []byte) {
	data, err := DecodeFrame(message)
	if err != nil {
		// fail closed, a frame we do not understand is never applied
		glog.V(1).Infof("[ch]%s\n", err)
		return
	}

	switch v := data.(type) {
	case *UserPresenceFrame:
		userId, err := ParseId(v.UserId)
		if err != nil {
			glog.V(1).Infof("[ch]presence with bad user id %q\n", v.UserId)
			return
		}
		switch v.Status {
		case PresenceJoined:
			self.document.AddOnlineUser(&User{
				Id:     userId,
				Name:   v.UserName,
				Status: StatusOnline,
			})
		case PresenceLeft:
			self.document.RemoveOnlineUser(userId)
		}
	case *TextChangeFrame:
		self.document.ApplyRemote(v.ToChange())
	case *StatsUpdateFrame:
		self.document.SetStats(Stats{
			TotalEdits:  v.TotalEdits,
			UniqueUsers: v.UniqueUsers,
			OnlineCount: v.OnlineCount,
		})
	default:
		glog.V(1).Infof("[ch]unhandled frame %T\n", v)
	}
}

// SendTextChange broadcasts the change. Dropped, not queued, when the
// channel is not open.
func (self *Channel) SendTextChange(change *Change) bool {
	message, err := EncodeTextChangeFrame(change)
	if err != nil {
		return false
	}
	return self.sendMessage(message)
}

// UpdateUserName renames this client on the channel. Dropped when the
// channel is not open; the new name is still used for future connects.
func (self *Channel) UpdateUserName(name string) bool {
	self.mutex.Lock()
	self.userName = name
	self.mutex.Unlock()

	message, err := EncodeUserUpdateFrame(name)
	if err != nil {
		return false
	}
	return self.sendMessage(message)
}

func (self *Channel) sendMessage(message []byte) bool {
	self.mutex.Lock()
	state := self.state
	send := self.send
	self.mutex.Unlock()

	if state != ChannelOpen || send == nil {
		glog.V(1).Infof("[ch]drop send, channel %s\n", state)
		return false
	}
	select {
	case send <- message:
		return true
	default:
		glog.Infof("[ch]drop send, buffer full\n")
		return false
	}
}
