package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

/*
Orchestrates one collaborative session with properties:
- activities from a single producer reach consumers in the order fired
- resource activities for a reference point that is still being received are
  buffered and released in order, with editor activations injected so that no
  edit is applied without its activation
- at most one write-permission handover is in flight at any time
- the partial sharing membership stays consistent with the filesystem
  mutations flowing through, or the offending activity is suppressed loudly
*/

// objects that emit activities. the returned function deregisters the listener
type ActivityProducer interface {
	AddActivityListener(listener ActivityListenerFunction) func()
}

type ActivityListenerFunction func(activity Activity)

// objects that receive executed activities
type ActivityConsumer interface {
	Exec(activity Activity)
}

type ConsumerPriority int

const (
	// mutates local state, runs after all passive consumers saw the activity
	ConsumerActive ConsumerPriority = iota
	// observes only, runs before any state mutation
	ConsumerPassive
)

// external hand-off point between producers and the network layer.
// called once per locally observed batch; the handler calls back into
// `Send` and `Exec`
type ActivityHandler interface {
	HandleOutgoingActivities(activities []Activity)
	HandleIncomingActivities(activities []Activity)
}

// external transport. `Send` reports transport and serialization failures as
// errors, which the session logs and never propagates.
// `SendUserList` blocks until the recipient acknowledges the list
type Transmitter interface {
	RegisterUser(user *User)
	UnregisterUser(user *User)
	CloseConnection(user *User)
	Send(recipients []*User, activity Activity) error
	SendUserList(ctx context.Context, recipient *User, users []*User) error
}

type SessionSettings struct {
	// per-recipient ack timeout of the blocking user list broadcast
	UserListSyncTimeout time.Duration

	Clock clock.Clock
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		UserListSyncTimeout: 30 * time.Second,
		Clock:               clock.C,
	}
}

type sessionState int

const (
	stateCreated sessionState = iota
	stateStarting
	stateStarted
	stateStopping
	stateStopped
)

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	id        Id
	localUser *User
	settings  *SessionSettings

	activityHandler ActivityHandler
	transmitter     Transmitter

	referencePointMap *ReferencePointMap
	queuer            *ActivityQueuer
	permissionManager *PermissionManager
	applyExecutor     *SerialExecutor

	// guards only the start/stop transient window.
	// never held while calling into another component
	componentAccessLock sync.Mutex
	state               sessionState

	mutex sync.Mutex
	// address -> member
	users map[string]*User
	// addresses that completed the resource negotiation
	negotiated map[string]bool
	// producer -> listener deregistration
	producers        map[ActivityProducer]func()
	activeConsumers  []ActivityConsumer
	passiveConsumers []ActivityConsumer

	sessionListeners        *sessionListenerDispatcher
	referencePointListeners *referencePointListenerDispatcher
}

// wires a fully formed session: membership map, queuer, apply executor and
// permission manager are constructed here, never looked up ambiently.
// `localUser` must be the local participant; if it is the host, this process
// coordinates joins and permission handovers
func NewSession(
	ctx context.Context,
	localUser *User,
	activityHandler ActivityHandler,
	transmitter Transmitter,
	stopCoordinator StopCoordinator,
	settings *SessionSettings,
) *Session {
	if !localUser.IsLocal() {
		panic("session local user must be local")
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		id:                      NewId(),
		localUser:               localUser,
		settings:                settings,
		activityHandler:         activityHandler,
		transmitter:             transmitter,
		referencePointMap:       NewReferencePointMap(),
		queuer:                  NewActivityQueuer(),
		applyExecutor:           NewSerialExecutor(cancelCtx),
		state:                   stateCreated,
		users:                   map[string]*User{localUser.Address(): localUser},
		negotiated:              map[string]bool{},
		producers:               map[ActivityProducer]func(){},
		activeConsumers:         []ActivityConsumer{},
		passiveConsumers:        []ActivityConsumer{},
		sessionListeners:        newSessionListenerDispatcher(),
		referencePointListeners: newReferencePointListenerDispatcher(),
	}

	s.permissionManager = NewPermissionManager(s, stopCoordinator)
	s.AddActivityConsumer(s.permissionManager, ConsumerActive)

	return s
}

func NewSessionWithDefaults(
	ctx context.Context,
	localUser *User,
	activityHandler ActivityHandler,
	transmitter Transmitter,
	stopCoordinator StopCoordinator,
) *Session {
	return NewSession(ctx, localUser, activityHandler, transmitter, stopCoordinator, DefaultSessionSettings())
}

// lifecycle. start and stop are one-shot; calling either out of order or
// twice is a caller sequencing bug

func (self *Session) Start() {
	self.componentAccessLock.Lock()
	if self.state != stateCreated {
		self.componentAccessLock.Unlock()
		panic(fmt.Errorf("start called in state %d", self.state))
	}
	self.state = stateStarting
	self.componentAccessLock.Unlock()

	self.localUser.SetInSession(true)
	glog.Infof("[session]%s started (local=%s)\n", self.id, self.localUser)

	self.componentAccessLock.Lock()
	self.state = stateStarted
	self.componentAccessLock.Unlock()
}

func (self *Session) Stop() {
	self.componentAccessLock.Lock()
	if self.state != stateStarted {
		self.componentAccessLock.Unlock()
		panic(fmt.Errorf("stop called in state %d", self.state))
	}
	self.state = stateStopping
	self.componentAccessLock.Unlock()

	self.mutex.Lock()
	unsubs := maps.Values(self.producers)
	self.producers = map[ActivityProducer]func(){}
	self.mutex.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}

	self.localUser.SetInSession(false)
	self.applyExecutor.Close()
	self.cancel()
	glog.Infof("[session]%s stopped\n", self.id)

	self.componentAccessLock.Lock()
	self.state = stateStopped
	self.componentAccessLock.Unlock()
}

// component lookups return nothing while starting or stopping, so a
// re-entrant caller on the apply context cannot deadlock against the
// transition

func (self *Session) Queuer() *ActivityQueuer {
	if !self.inStableState() {
		return nil
	}
	return self.queuer
}

func (self *Session) ReferencePointMap() *ReferencePointMap {
	if !self.inStableState() {
		return nil
	}
	return self.referencePointMap
}

func (self *Session) PermissionManager() *PermissionManager {
	if !self.inStableState() {
		return nil
	}
	return self.permissionManager
}

func (self *Session) inStableState() bool {
	self.componentAccessLock.Lock()
	defer self.componentAccessLock.Unlock()
	switch self.state {
	case stateStarting, stateStopping:
		return false
	default:
		return true
	}
}

func (self *Session) Id() Id {
	return self.id
}

func (self *Session) LocalUser() *User {
	return self.localUser
}

func (self *Session) HostUser() *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, user := range self.users {
		if user.IsHost() {
			return user
		}
	}
	return nil
}

func (self *Session) UserByAddress(address string) *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.users[address]
}

func (self *Session) Users() []*User {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.users)
}

func (self *Session) RemoteUsers() []*User {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	remotes := []*User{}
	for _, user := range self.users {
		if user.IsRemote() {
			remotes = append(remotes, user)
		}
	}
	return remotes
}

func (self *Session) AddSessionListener(listener SessionListener) func() {
	return self.sessionListeners.add(listener)
}

func (self *Session) AddReferencePointListener(listener ReferencePointListener) func() {
	return self.referencePointListeners.add(listener)
}

func (self *Session) notifyPermissionChanged(user *User) {
	self.sessionListeners.permissionChanged(user)
}

// membership

// adds a participant. on the host this runs the blocking user list broadcast
// to every current remote member; if any recipient fails to acknowledge
// within the timeout the join is rolled back and reported as failure
func (self *Session) AddUser(user *User, properties map[string]string) error {
	if !user.HasFullyQualifiedAddress() {
		return fmt.Errorf("user %s has no fully qualified address", user.Address())
	}

	self.mutex.Lock()
	if _, ok := self.users[user.Address()]; ok {
		self.mutex.Unlock()
		return fmt.Errorf("user %s is already in the session", user.Address())
	}
	if user.IsHost() {
		for _, existing := range self.users {
			if existing.IsHost() {
				self.mutex.Unlock()
				return fmt.Errorf("session already has a host (%s)", existing)
			}
		}
	}
	user.SetProperties(properties)
	self.users[user.Address()] = user
	self.mutex.Unlock()

	self.transmitter.RegisterUser(user)

	if self.localUser.IsHost() {
		recipients := []*User{}
		for _, remote := range self.RemoteUsers() {
			if remote.IsInSession() || remote == user {
				recipients = append(recipients, remote)
			}
		}
		if err := self.synchronizeUserList(recipients); err != nil {
			// roll back the join
			self.transmitter.UnregisterUser(user)
			self.mutex.Lock()
			delete(self.users, user.Address())
			self.mutex.Unlock()
			glog.Infof("[session]join of %s rolled back: %s\n", user, err)
			return fmt.Errorf("user list sync for %s failed: %w", user, err)
		}
	}

	user.SetInSession(true)
	self.sessionListeners.userJoined(user)
	return nil
}

// idempotent: removing a user that already left logs and returns.
// the host re-broadcasts the shrunk user list best effort; a timeout is not
// fatal since the user is leaving anyway
func (self *Session) RemoveUser(user *User) {
	if !user.IsInSession() {
		glog.Warningf("[session]remove of %s, already out of session\n", user)
		return
	}
	user.SetInSession(false)

	self.mutex.Lock()
	delete(self.users, user.Address())
	delete(self.negotiated, user.Address())
	self.mutex.Unlock()

	self.transmitter.UnregisterUser(user)
	self.referencePointMap.UserLeft(user)

	if self.localUser.IsHost() {
		if remotes := self.RemoteUsers(); 0 < len(remotes) {
			if err := self.synchronizeUserList(remotes); err != nil {
				glog.Infof("[session]user list sync after %s left: %s\n", user, err)
			}
		}
	}

	self.transmitter.CloseConnection(user)
	self.sessionListeners.userLeft(user)
}

// host-initiated removal of a remote participant
func (self *Session) KickUser(target *User) error {
	if !self.localUser.IsHost() {
		return fmt.Errorf("only the host can kick users")
	}
	if target.IsLocal() {
		return fmt.Errorf("the host cannot kick itself")
	}
	self.fireActivity(NewKickActivity(self.localUser, target.Address()))
	self.RemoveUser(target)
	return nil
}

// the user's side started buffering resource activities: the host may now
// deliver resource activities for every registered reference point to it
func (self *Session) UserStartedQueuing(user *User) {
	self.referencePointMap.AddMissingReferencePointsToUser(user)
	glog.V(2).Infof("[session]%s started queuing\n", user)
}

// the user's copy of the shared resources is complete: activities received
// for them can be applied locally on the user's side
func (self *Session) UserFinishedNegotiation(user *User) {
	self.mutex.Lock()
	self.negotiated[user.Address()] = true
	self.mutex.Unlock()
	glog.V(2).Infof("[session]%s finished negotiation\n", user)
}

func (self *Session) UserFinishedNegotiationFor(user *User) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.negotiated[user.Address()]
}

// blocks per recipient until ack or timeout. failures across recipients are
// aggregated so the caller sees every non-acking peer, not just the first
func (self *Session) synchronizeUserList(recipients []*User) error {
	users := self.Users()

	var result *multierror.Error
	for _, recipient := range recipients {
		if err := self.sendUserListTo(recipient, users); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (self *Session) sendUserListTo(recipient *User, users []*User) error {
	sendCtx, cancel := context.WithCancel(self.ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- self.transmitter.SendUserList(sendCtx, recipient, users)
	}()

	select {
	case err := <-done:
		return err
	case <-self.settings.Clock.After(self.settings.UserListSyncTimeout):
		return fmt.Errorf("user list sync to %s timed out after %s", recipient, self.settings.UserListSyncTimeout)
	case <-self.ctx.Done():
		return fmt.Errorf("session closed")
	}
}

// reference point sharing

func (self *Session) ShareReferencePoint(id Id, point ReferencePoint, isPartial bool) error {
	if err := self.referencePointMap.AddReferencePoint(id, point, isPartial); err != nil {
		return err
	}
	self.referencePointListeners.referencePointShared(point)
	return nil
}

func (self *Session) UnshareReferencePoint(id Id) {
	point, ok := self.referencePointMap.Point(id)
	self.referencePointMap.RemoveReferencePoint(id)
	if ok {
		self.referencePointListeners.referencePointUnshared(point)
	}
}

func (self *Session) AddSharedResources(point ReferencePoint, relativePaths []string) {
	self.referencePointMap.AddResources(point, relativePaths)
	self.referencePointListeners.resourcesShared(point, relativePaths)
}

// producer / consumer registry

// idempotent: a producer is registered at most once, with this session as
// its single internal activity listener
func (self *Session) AddActivityProducer(producer ActivityProducer) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.producers[producer]; ok {
		return
	}
	self.producers[producer] = producer.AddActivityListener(self.activityCreated)
}

func (self *Session) RemoveActivityProducer(producer ActivityProducer) {
	self.mutex.Lock()
	unsub, ok := self.producers[producer]
	delete(self.producers, producer)
	self.mutex.Unlock()

	if ok {
		unsub()
	}
}

// a consumer lives in exactly one of the two ordered lists. re-adding moves
// it, so a consumer changes priority by re-registering
func (self *Session) AddActivityConsumer(consumer ActivityConsumer, priority ConsumerPriority) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.activeConsumers = removeConsumer(self.activeConsumers, consumer)
	self.passiveConsumers = removeConsumer(self.passiveConsumers, consumer)
	switch priority {
	case ConsumerActive:
		self.activeConsumers = append(self.activeConsumers, consumer)
	case ConsumerPassive:
		self.passiveConsumers = append(self.passiveConsumers, consumer)
	}
}

func (self *Session) RemoveActivityConsumer(consumer ActivityConsumer) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.activeConsumers = removeConsumer(self.activeConsumers, consumer)
	self.passiveConsumers = removeConsumer(self.passiveConsumers, consumer)
}

func removeConsumer(consumers []ActivityConsumer, consumer ActivityConsumer) []ActivityConsumer {
	i := slices.Index(consumers, consumer)
	if i < 0 {
		return consumers
	}
	return slices.Delete(slices.Clone(consumers), i, i+1)
}

// activity routing

// ActivityListenerFunction for every registered producer
func (self *Session) activityCreated(activity Activity) {
	self.fireActivity(activity)
}

func (self *Session) fireActivity(activity Activity) {
	if activity == nil {
		return
	}
	self.activityHandler.HandleOutgoingActivities([]Activity{activity})
}

// outgoing hand-off from the activity handler to the network.
// a recipient list containing the local user means "also loop back locally"
func (self *Session) Send(recipients []*User, activity Activity) {
	if _, ok := activity.(ResourceActivity); ok && self.referencePointMap.Size() == 0 {
		glog.V(2).Infof("[session]suppressed %s, nothing is shared\n", activity)
		return
	}

	if isFilesystemMutation(activity) && containsLocalUser(recipients) {
		if result := self.checkAndUpdatePartialSharing(activity); !result.Accepted {
			// the receiving side recovers via full resync, not via this message
			glog.Infof("[session]suppressed %s: %s\n", activity, result.Reason)
			return
		}
	}

	recipients = self.gateRecipients(recipients, activity)
	if len(recipients) == 0 {
		return
	}

	if err := self.transmitter.Send(recipients, activity); err != nil {
		glog.Infof("[session]send of %s failed: %s\n", activity, err)
	}
}

// the host delivers resource activities only to users known to have fully
// received the affected reference point
func (self *Session) gateRecipients(recipients []*User, activity Activity) []*User {
	resourceActivity, ok := activity.(ResourceActivity)
	if !ok || resourceActivity.Path() == nil || !self.localUser.IsHost() {
		return recipients
	}

	point := resourceActivity.Path().Point()
	gated := []*User{}
	for _, recipient := range recipients {
		if recipient.IsLocal() || self.referencePointMap.UserHasReferencePoint(recipient, point) {
			gated = append(gated, recipient)
		}
	}
	return gated
}

// inbound entry for received batches, also used for locally looped-back
// activities. never returns an error: invalid activities are dropped here
func (self *Session) Exec(activities []Activity) {
	valid := []Activity{}
	for _, activity := range activities {
		if activity == nil || !activity.IsValid() {
			glog.Infof("[session]dropped invalid activity %v\n", activity)
			continue
		}
		valid = append(valid, activity)
	}

	for _, activity := range self.queuer.Process(valid) {
		self.executeActivity(activity)
	}
}

func (self *Session) executeActivity(activity Activity) {
	// passive observers run first, then active consumers, in registration
	// order. a panicking consumer is isolated and fan-out continues
	self.mutex.Lock()
	passive := self.passiveConsumers
	active := self.activeConsumers
	self.mutex.Unlock()

	for _, consumer := range passive {
		self.execConsumer(consumer, activity)
	}
	for _, consumer := range active {
		self.execConsumer(consumer, activity)
	}

	if isFilesystemMutation(activity) {
		// the activity already executed; on rejection the membership goes
		// stale and is repaired by a later full resync
		if result := self.checkAndUpdatePartialSharing(activity); !result.Accepted {
			glog.Infof("[session]membership not updated for %s: %s\n", activity, result.Reason)
		}
	}
}

func containsLocalUser(users []*User) bool {
	for _, user := range users {
		if user.IsLocal() {
			return true
		}
	}
	return false
}

func (self *Session) execConsumer(consumer ActivityConsumer, activity Activity) {
	HandleError(func() {
		consumer.Exec(activity)
	}, func(err error) {
		glog.Errorf("[session]consumer %T failed on %s: %s\n", consumer, activity, err)
	})
}
