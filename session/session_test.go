package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-playground/assert/v2"
)

// in-memory collaborators

type testHandler struct {
	mutex    sync.Mutex
	outgoing []Activity
	// optional hook invoked on every outgoing batch
	onOutgoing func(activities []Activity)
}

func (self *testHandler) HandleOutgoingActivities(activities []Activity) {
	self.mutex.Lock()
	self.outgoing = append(self.outgoing, activities...)
	onOutgoing := self.onOutgoing
	self.mutex.Unlock()
	if onOutgoing != nil {
		onOutgoing(activities)
	}
}

func (self *testHandler) HandleIncomingActivities(activities []Activity) {}

func (self *testHandler) outgoingActivities() []Activity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]Activity, len(self.outgoing))
	copy(out, self.outgoing)
	return out
}

type sentActivity struct {
	recipients []*User
	activity   Activity
}

type testTransmitter struct {
	mutex      sync.Mutex
	registered map[string]bool
	closed     map[string]bool
	sent       []sentActivity

	userListErr     error
	userListBlocks  bool
	userListStarted chan struct{}
	userListCalls   int
}

func newTestTransmitter() *testTransmitter {
	return &testTransmitter{
		registered:      map[string]bool{},
		closed:          map[string]bool{},
		userListStarted: make(chan struct{}, 16),
	}
}

func (self *testTransmitter) RegisterUser(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.registered[user.Address()] = true
}

func (self *testTransmitter) UnregisterUser(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.registered, user.Address())
}

func (self *testTransmitter) CloseConnection(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed[user.Address()] = true
}

func (self *testTransmitter) Send(recipients []*User, activity Activity) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sent = append(self.sent, sentActivity{
		recipients: recipients,
		activity:   activity,
	})
	return nil
}

func (self *testTransmitter) SendUserList(ctx context.Context, recipient *User, users []*User) error {
	self.mutex.Lock()
	self.userListCalls += 1
	err := self.userListErr
	blocks := self.userListBlocks
	self.mutex.Unlock()

	self.userListStarted <- struct{}{}
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (self *testTransmitter) sentActivities() []sentActivity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]sentActivity, len(self.sent))
	copy(out, self.sent)
	return out
}

func (self *testTransmitter) isRegistered(user *User) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.registered[user.Address()]
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []string
}

func (self *eventRecorder) record(event string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.events = append(self.events, event)
}

func (self *eventRecorder) recorded() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]string, len(self.events))
	copy(out, self.events)
	return out
}

type testStopCoordinator struct {
	recorder *eventRecorder
	// resume outcome reported by issued handles
	resumeOk bool
	stopErr  error
}

func (self *testStopCoordinator) RequestStop(ctx context.Context, user *User, reason string) (StopHandle, error) {
	if self.stopErr != nil {
		return nil, self.stopErr
	}
	self.recorder.record("stop " + user.Address())
	return &testStopHandle{
		coordinator: self,
		user:        user,
	}, nil
}

type testStopHandle struct {
	coordinator *testStopCoordinator
	user        *User
}

func (self *testStopHandle) Resume() bool {
	self.coordinator.recorder.record("resume " + self.user.Address())
	return self.coordinator.resumeOk
}

type recordingConsumer struct {
	mutex      sync.Mutex
	name       string
	recorder   *eventRecorder
	activities []Activity
}

func (self *recordingConsumer) Exec(activity Activity) {
	self.mutex.Lock()
	self.activities = append(self.activities, activity)
	self.mutex.Unlock()
	if self.recorder != nil {
		self.recorder.record(self.name)
	}
}

func (self *recordingConsumer) executed() []Activity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]Activity, len(self.activities))
	copy(out, self.activities)
	return out
}

type panickingConsumer struct{}

func (self *panickingConsumer) Exec(activity Activity) {
	panic(errors.New("consumer failure"))
}

type testProducer struct {
	mutex     sync.Mutex
	listeners []ActivityListenerFunction
	addCalls  int
}

func (self *testProducer) AddActivityListener(listener ActivityListenerFunction) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.addCalls += 1
	self.listeners = append(self.listeners, listener)
	i := len(self.listeners) - 1
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.listeners[i] = nil
	}
}

func (self *testProducer) fire(activity Activity) {
	self.mutex.Lock()
	listeners := make([]ActivityListenerFunction, len(self.listeners))
	copy(listeners, self.listeners)
	self.mutex.Unlock()
	for _, listener := range listeners {
		if listener != nil {
			listener(activity)
		}
	}
}

type sessionEnv struct {
	session     *Session
	handler     *testHandler
	transmitter *testTransmitter
	coordinator *testStopCoordinator
	recorder    *eventRecorder
	local       *User
	cancel      context.CancelFunc
}

func newHostEnv(t *testing.T, settings *SessionSettings) *sessionEnv {
	cancelCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	local := NewUser("host@example.com/editor", true, true, PermissionWriteAccess)
	handler := &testHandler{}
	transmitter := newTestTransmitter()
	recorder := &eventRecorder{}
	coordinator := &testStopCoordinator{
		recorder: recorder,
		resumeOk: true,
	}
	if settings == nil {
		settings = DefaultSessionSettings()
	}
	s := NewSession(cancelCtx, local, handler, transmitter, coordinator, settings)
	s.Start()
	t.Cleanup(func() {
		// harmless if the test already stopped the session
		defer func() { recover() }()
		s.Stop()
	})

	return &sessionEnv{
		session:     s,
		handler:     handler,
		transmitter: transmitter,
		coordinator: coordinator,
		recorder:    recorder,
		local:       local,
		cancel:      cancel,
	}
}

func newRemoteUser(address string) *User {
	return NewUser(address, false, false, PermissionReadOnly)
}

// tests

func TestStartStopOneShot(t *testing.T) {
	env := newHostEnv(t, nil)

	func() {
		defer func() {
			assert.NotEqual(t, nil, recover())
		}()
		env.session.Start()
	}()

	env.session.Stop()

	func() {
		defer func() {
			assert.NotEqual(t, nil, recover())
		}()
		env.session.Stop()
	}()
}

func TestAddUserValidation(t *testing.T) {
	env := newHostEnv(t, nil)

	// bare address, not fully qualified
	err := env.session.AddUser(NewUser("alice@example.com", false, false, PermissionReadOnly), nil)
	assert.NotEqual(t, nil, err)

	alice := newRemoteUser("alice@example.com/editor")
	assert.Equal(t, nil, env.session.AddUser(alice, map[string]string{"color": "blue"}))
	assert.Equal(t, true, alice.IsInSession())
	color, ok := alice.Property("color")
	assert.Equal(t, true, ok)
	assert.Equal(t, "blue", color)

	// duplicate identity
	err = env.session.AddUser(newRemoteUser("alice@example.com/editor"), nil)
	assert.NotEqual(t, nil, err)

	// a second host
	err = env.session.AddUser(NewUser("host2@example.com/editor", true, false, PermissionWriteAccess), nil)
	assert.NotEqual(t, nil, err)

	assert.Equal(t, env.local, env.session.HostUser())
	assert.Equal(t, 2, len(env.session.Users()))
}

func TestJoinRollbackOnSyncFailure(t *testing.T) {
	env := newHostEnv(t, nil)
	env.transmitter.userListErr = errors.New("no ack")

	alice := newRemoteUser("alice@example.com/editor")
	err := env.session.AddUser(alice, nil)
	assert.NotEqual(t, nil, err)

	// absent from the dispatch layer and from membership
	assert.Equal(t, false, env.transmitter.isRegistered(alice))
	if env.session.UserByAddress(alice.Address()) != nil {
		t.Fatal("rolled back user still in membership")
	}
	assert.Equal(t, false, alice.IsInSession())
}

func TestJoinRollbackOnSyncTimeout(t *testing.T) {
	mockClock := clock.NewMockClock()
	settings := DefaultSessionSettings()
	settings.Clock = mockClock
	settings.UserListSyncTimeout = 30 * time.Second

	env := newHostEnv(t, settings)
	env.transmitter.userListBlocks = true

	alice := newRemoteUser("alice@example.com/editor")
	result := make(chan error, 1)
	go func() {
		result <- env.session.AddUser(alice, nil)
	}()

	<-env.transmitter.userListStarted
	// let the timeout select register with the mock clock
	time.Sleep(20 * time.Millisecond)
	mockClock.AddTime(31 * time.Second)

	err := <-result
	assert.NotEqual(t, nil, err)
	if env.session.UserByAddress(alice.Address()) != nil {
		t.Fatal("timed out user still in membership")
	}
}

func TestRemoveUserIdempotent(t *testing.T) {
	env := newHostEnv(t, nil)

	alice := newRemoteUser("alice@example.com/editor")
	assert.Equal(t, nil, env.session.AddUser(alice, nil))

	env.session.RemoveUser(alice)
	if env.session.UserByAddress(alice.Address()) != nil {
		t.Fatal("removed user still in membership")
	}
	assert.Equal(t, false, env.transmitter.isRegistered(alice))
	assert.Equal(t, true, env.transmitter.closed[alice.Address()])

	// second remove is a logged no-op
	env.session.RemoveUser(alice)
}

func TestKickUser(t *testing.T) {
	env := newHostEnv(t, nil)

	alice := newRemoteUser("alice@example.com/editor")
	assert.Equal(t, nil, env.session.AddUser(alice, nil))

	assert.Equal(t, nil, env.session.KickUser(alice))
	if env.session.UserByAddress(alice.Address()) != nil {
		t.Fatal("kicked user still in membership")
	}

	kicks := 0
	for _, activity := range env.handler.outgoingActivities() {
		if kick, ok := activity.(*KickActivity); ok {
			assert.Equal(t, alice.Address(), kick.TargetAddress())
			kicks += 1
		}
	}
	assert.Equal(t, 1, kicks)

	// the host cannot kick itself
	assert.NotEqual(t, nil, env.session.KickUser(env.local))
}

func TestProducerRegistrationIdempotent(t *testing.T) {
	env := newHostEnv(t, nil)
	producer := &testProducer{}

	env.session.AddActivityProducer(producer)
	env.session.AddActivityProducer(producer)
	assert.Equal(t, 1, producer.addCalls)

	producer.fire(NewNoOpActivity(env.local))
	assert.Equal(t, 1, len(env.handler.outgoingActivities()))

	env.session.RemoveActivityProducer(producer)
	producer.fire(NewNoOpActivity(env.local))
	assert.Equal(t, 1, len(env.handler.outgoingActivities()))

	// removing an unregistered producer is a no-op
	env.session.RemoveActivityProducer(&testProducer{})
}

func TestConsumerFanOutOrder(t *testing.T) {
	env := newHostEnv(t, nil)

	passive1 := &recordingConsumer{name: "passive1", recorder: env.recorder}
	passive2 := &recordingConsumer{name: "passive2", recorder: env.recorder}
	active1 := &recordingConsumer{name: "active1", recorder: env.recorder}

	env.session.AddActivityConsumer(active1, ConsumerActive)
	env.session.AddActivityConsumer(passive1, ConsumerPassive)
	env.session.AddActivityConsumer(passive2, ConsumerPassive)

	env.session.Exec([]Activity{NewNoOpActivity(env.local)})
	assert.Equal(t, []string{"passive1", "passive2", "active1"}, env.recorder.recorded())
}

func TestConsumerReRegistrationMovesPriority(t *testing.T) {
	env := newHostEnv(t, nil)

	mover := &recordingConsumer{name: "mover", recorder: env.recorder}
	passive := &recordingConsumer{name: "passive", recorder: env.recorder}

	env.session.AddActivityConsumer(mover, ConsumerActive)
	env.session.AddActivityConsumer(passive, ConsumerPassive)

	// re-adding moves the consumer, it is never registered twice
	env.session.AddActivityConsumer(mover, ConsumerPassive)

	env.session.Exec([]Activity{NewNoOpActivity(env.local)})
	assert.Equal(t, []string{"passive", "mover"}, env.recorder.recorded())

	env.session.RemoveActivityConsumer(mover)
	env.session.RemoveActivityConsumer(mover)
	env.session.Exec([]Activity{NewNoOpActivity(env.local)})
	assert.Equal(t, []string{"passive", "mover", "passive"}, env.recorder.recorded())
}

func TestConsumerPanicIsolated(t *testing.T) {
	env := newHostEnv(t, nil)

	env.session.AddActivityConsumer(&panickingConsumer{}, ConsumerPassive)
	after := &recordingConsumer{}
	env.session.AddActivityConsumer(after, ConsumerPassive)

	env.session.Exec([]Activity{NewNoOpActivity(env.local)})
	assert.Equal(t, 1, len(after.executed()))
}

func TestExecDropsInvalidActivities(t *testing.T) {
	env := newHostEnv(t, nil)

	consumer := &recordingConsumer{}
	env.session.AddActivityConsumer(consumer, ConsumerPassive)

	valid := NewNoOpActivity(env.local)
	invalid := NewNoOpActivity(nil)
	env.session.Exec([]Activity{invalid, valid, nil})

	executed := consumer.executed()
	assert.Equal(t, 1, len(executed))
	assert.Equal(t, valid, executed[0])
}

func TestSendSuppressedWhileNothingShared(t *testing.T) {
	env := newHostEnv(t, nil)
	point := NewMemReferencePoint("p")
	path := NewResourcePath(point, "/f.txt")

	env.session.Send([]*User{env.local}, NewTextEditActivity(env.local, path, 0, "a", ""))
	assert.Equal(t, 0, len(env.transmitter.sentActivities()))

	// non-resource activities still go out
	env.session.Send([]*User{env.local}, NewNoOpActivity(env.local))
	assert.Equal(t, 1, len(env.transmitter.sentActivities()))
}

func TestResourceActivityGatedByUserKnowledge(t *testing.T) {
	env := newHostEnv(t, nil)

	alice := newRemoteUser("alice@example.com/editor")
	bob := newRemoteUser("bob@example.com/editor")
	assert.Equal(t, nil, env.session.AddUser(alice, nil))
	assert.Equal(t, nil, env.session.AddUser(bob, nil))

	point := NewMemReferencePoint("p")
	assert.Equal(t, nil, env.session.ShareReferencePoint(NewId(), point, false))

	// only alice received the reference point
	env.session.UserStartedQueuing(alice)

	path := NewResourcePath(point, "/f.txt")
	env.session.Send([]*User{alice, bob}, NewTextEditActivity(env.local, path, 0, "a", ""))

	sent := env.transmitter.sentActivities()
	assert.Equal(t, 1, len(sent))
	assert.Equal(t, []*User{alice}, sent[0].recipients)
}

// partial share scenario: a created file below a shared folder joins the set
func TestPartialShareFileCreation(t *testing.T) {
	env := newHostEnv(t, nil)

	point := NewMemReferencePoint("p")
	assert.Equal(t, nil, env.session.ShareReferencePoint(NewId(), point, true))
	point.AddFolder("/src")
	env.session.AddSharedResources(point, []string{"/src"})

	point.AddFile("/src/A.java")
	created := NewFileActivity(env.local, FileCreated, NewResourcePath(point, "/src/A.java"), nil, nil)
	env.session.Exec([]Activity{created})

	m := env.session.ReferencePointMap()
	assert.Equal(t, true, m.IsPathShared(point, "/src"))
	assert.Equal(t, true, m.IsPathShared(point, "/src/A.java"))
}

func TestPartialShareCreateRejectedWithoutParent(t *testing.T) {
	env := newHostEnv(t, nil)

	point := NewMemReferencePoint("p")
	assert.Equal(t, nil, env.session.ShareReferencePoint(NewId(), point, true))

	point.AddFile("/src/A.java")
	created := NewFileActivity(env.local, FileCreated, NewResourcePath(point, "/src/A.java"), nil, nil)
	env.session.Exec([]Activity{created})

	assert.Equal(t, false, env.session.ReferencePointMap().IsPathShared(point, "/src/A.java"))
}

// rejected move scenario: moving an unshared file changes nothing
func TestPartialShareRejectedMove(t *testing.T) {
	env := newHostEnv(t, nil)

	point := NewMemReferencePoint("p")
	assert.Equal(t, nil, env.session.ShareReferencePoint(NewId(), point, true))
	point.AddFile("/new.txt")

	moved := NewFileActivity(
		env.local,
		FileMoved,
		NewResourcePath(point, "/new.txt"),
		NewResourcePath(point, "/old.txt"),
		nil,
	)

	result := env.session.checkAndUpdatePartialSharing(moved)
	assert.Equal(t, false, result.Accepted)

	m := env.session.ReferencePointMap()
	assert.Equal(t, false, m.IsPathShared(point, "/old.txt"))
	assert.Equal(t, false, m.IsPathShared(point, "/new.txt"))
}

func TestPartialShareMoveAccepted(t *testing.T) {
	env := newHostEnv(t, nil)

	point := NewMemReferencePoint("p")
	assert.Equal(t, nil, env.session.ShareReferencePoint(NewId(), point, true))
	env.session.AddSharedResources(point, []string{"/old.txt"})
	point.AddFile("/new.txt")

	moved := NewFileActivity(
		env.local,
		FileMoved,
		NewResourcePath(point, "/new.txt"),
		NewResourcePath(point, "/old.txt"),
		nil,
	)
	env.session.Exec([]Activity{moved})

	m := env.session.ReferencePointMap()
	assert.Equal(t, false, m.IsPathShared(point, "/old.txt"))
	assert.Equal(t, true, m.IsPathShared(point, "/new.txt"))
}

// a filesystem mutation that fails the outgoing check is suppressed,
// never handed to the transport
func TestOutgoingInconsistentMutationSuppressed(t *testing.T) {
	env := newHostEnv(t, nil)

	point := NewMemReferencePoint("p")
	assert.Equal(t, nil, env.session.ShareReferencePoint(NewId(), point, true))

	// file does not exist on disk
	created := NewFileActivity(env.local, FileCreated, NewResourcePath(point, "/ghost.txt"), nil, nil)
	env.session.Send([]*User{env.local}, created)
	assert.Equal(t, 0, len(env.transmitter.sentActivities()))
}

func TestSessionListeners(t *testing.T) {
	env := newHostEnv(t, nil)

	unsub := env.session.AddSessionListener(&recordingSessionListener{recorder: env.recorder})

	alice := newRemoteUser("alice@example.com/editor")
	assert.Equal(t, nil, env.session.AddUser(alice, nil))
	env.session.RemoveUser(alice)
	assert.Equal(t, []string{"joined alice@example.com/editor", "left alice@example.com/editor"}, env.recorder.recorded())

	unsub()
	assert.Equal(t, nil, env.session.AddUser(newRemoteUser("bob@example.com/editor"), nil))
	assert.Equal(t, 2, len(env.recorder.recorded()))
}

type recordingSessionListener struct {
	recorder *eventRecorder
}

func (self *recordingSessionListener) UserJoined(user *User) {
	self.recorder.record("joined " + user.Address())
}

func (self *recordingSessionListener) UserLeft(user *User) {
	self.recorder.record("left " + user.Address())
}

func (self *recordingSessionListener) PermissionChanged(user *User) {
	self.recorder.record("permission " + user.Address())
}
