package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
)

// `Transmitter` over one websocket connection per remote participant, with a
// JSON envelope codec. the envelope is an adapter detail of this transport,
// not a protocol commitment of the core.
// peers authenticate with a signed join token before they are attached

type WsTransmitterSettings struct {
	WriteTimeout time.Duration
}

func DefaultWsTransmitterSettings() *WsTransmitterSettings {
	return &WsTransmitterSettings{
		WriteTimeout: 15 * time.Second,
	}
}

type WsTransmitter struct {
	ctx      context.Context
	auth     *SessionAuth
	settings *WsTransmitterSettings

	mutex sync.Mutex
	// gorilla connections support one concurrent writer
	writeMutex sync.Mutex
	// attached session, set once before use
	session *Session
	// address -> connection
	conns map[string]*websocket.Conn
	// addresses registered with the dispatch layer
	registered map[string]bool
	// user list sync id -> ack signal
	acks map[Id]chan struct{}
}

func NewWsTransmitter(ctx context.Context, auth *SessionAuth, settings *WsTransmitterSettings) *WsTransmitter {
	return &WsTransmitter{
		ctx:        ctx,
		auth:       auth,
		settings:   settings,
		conns:      map[string]*websocket.Conn{},
		registered: map[string]bool{},
		acks:       map[Id]chan struct{}{},
	}
}

// the session and its transmitter reference each other; the transmitter is
// constructed first and attached here before the session starts
func (self *WsTransmitter) Attach(session *Session) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.session = session
}

// verifies the peer's join token and takes ownership of the connection.
// the read loop feeds received batches into the session until the
// connection fails or is closed
func (self *WsTransmitter) HandleConn(conn *websocket.Conn, token string) error {
	joinToken, err := self.auth.VerifyJoinToken(token)
	if err != nil {
		conn.Close()
		return fmt.Errorf("join token rejected: %w", err)
	}

	self.mutex.Lock()
	session := self.session
	if session == nil || session.Id() != joinToken.SessionId {
		self.mutex.Unlock()
		conn.Close()
		return fmt.Errorf("join token is not for this session")
	}
	if existing, ok := self.conns[joinToken.Address]; ok {
		existing.Close()
	}
	self.conns[joinToken.Address] = conn
	self.mutex.Unlock()

	go self.readLoop(joinToken.Address, conn)
	return nil
}

func (self *WsTransmitter) readLoop(address string, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		self.mutex.Lock()
		if self.conns[address] == conn {
			delete(self.conns, address)
		}
		self.mutex.Unlock()
	}()

	for {
		envelope := &wsEnvelope{}
		if err := conn.ReadJSON(envelope); err != nil {
			glog.Infof("[ws]read from %s ended: %s\n", address, err)
			return
		}

		switch envelope.Type {
		case wsTypeActivities:
			activities := []Activity{}
			for _, wireActivity := range envelope.Activities {
				activity, err := self.decodeActivity(wireActivity)
				if err != nil {
					glog.Infof("[ws]dropped activity from %s: %s\n", address, err)
					continue
				}
				activities = append(activities, activity)
			}
			self.session.activityHandler.HandleIncomingActivities(activities)
		case wsTypeUserList:
			// the list itself is applied by the negotiation layer; this
			// transport only acknowledges receipt
			self.writeEnvelope(conn, &wsEnvelope{
				Type:   wsTypeUserListAck,
				SyncId: envelope.SyncId,
			})
		case wsTypeUserListAck:
			if envelope.SyncId != nil {
				self.mutex.Lock()
				ack, ok := self.acks[*envelope.SyncId]
				self.mutex.Unlock()
				if ok {
					close(ack)
				}
			}
		default:
			glog.Infof("[ws]unknown envelope type %s from %s\n", envelope.Type, address)
		}
	}
}

// Transmitter

func (self *WsTransmitter) RegisterUser(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.registered[user.Address()] = true
}

func (self *WsTransmitter) UnregisterUser(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.registered, user.Address())
}

func (self *WsTransmitter) CloseConnection(user *User) {
	self.mutex.Lock()
	conn, ok := self.conns[user.Address()]
	delete(self.conns, user.Address())
	self.mutex.Unlock()

	if ok {
		conn.Close()
	}
}

func (self *WsTransmitter) Send(recipients []*User, activity Activity) error {
	wireActivity, err := self.encodeActivity(activity)
	if err != nil {
		return err
	}
	envelope := &wsEnvelope{
		Type:       wsTypeActivities,
		Activities: []*wsActivity{wireActivity},
	}

	var result *multierror.Error
	for _, recipient := range recipients {
		if recipient.IsLocal() {
			// loop back locally
			self.session.Exec([]Activity{activity})
			continue
		}

		self.mutex.Lock()
		registered := self.registered[recipient.Address()]
		conn, ok := self.conns[recipient.Address()]
		self.mutex.Unlock()

		if !registered || !ok {
			result = multierror.Append(result, fmt.Errorf("no connection for %s", recipient))
			continue
		}
		if err := self.writeEnvelope(conn, envelope); err != nil {
			result = multierror.Append(result, fmt.Errorf("send to %s: %w", recipient, err))
		}
	}
	return result.ErrorOrNil()
}

func (self *WsTransmitter) SendUserList(ctx context.Context, recipient *User, users []*User) error {
	self.mutex.Lock()
	conn, ok := self.conns[recipient.Address()]
	self.mutex.Unlock()
	if !ok {
		return fmt.Errorf("no connection for %s", recipient)
	}

	syncId := NewId()
	ack := make(chan struct{})
	self.mutex.Lock()
	self.acks[syncId] = ack
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		delete(self.acks, syncId)
		self.mutex.Unlock()
	}()

	wireUsers := []*wsUser{}
	for _, user := range users {
		wireUsers = append(wireUsers, &wsUser{
			Address:    user.Address(),
			IsHost:     user.IsHost(),
			Permission: int(user.Permission()),
		})
	}
	envelope := &wsEnvelope{
		Type:   wsTypeUserList,
		SyncId: &syncId,
		Users:  wireUsers,
	}
	if err := self.writeEnvelope(conn, envelope); err != nil {
		return err
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return fmt.Errorf("transmitter closed")
	}
}

func (self *WsTransmitter) writeEnvelope(conn *websocket.Conn, envelope *wsEnvelope) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteJSON(envelope)
}
