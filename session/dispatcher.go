package session

// observers of session membership and permission state.
// callbacks are invoked on the apply context or the calling goroutine of the
// mutating operation; implementations must not block
type SessionListener interface {
	UserJoined(user *User)
	UserLeft(user *User)
	PermissionChanged(user *User)
}

// observers of the shared reference point set
type ReferencePointListener interface {
	ReferencePointShared(point ReferencePoint)
	ReferencePointUnshared(point ReferencePoint)
	ResourcesShared(point ReferencePoint, relativePaths []string)
}

// fan-out registries. iteration works on a snapshot, so listeners may
// add or remove listeners from inside a callback. a panicking listener is
// isolated and does not stop fan-out to the others

type sessionListenerDispatcher struct {
	listeners *CallbackList[SessionListener]
}

func newSessionListenerDispatcher() *sessionListenerDispatcher {
	return &sessionListenerDispatcher{
		listeners: NewCallbackList[SessionListener](),
	}
}

func (self *sessionListenerDispatcher) add(listener SessionListener) func() {
	listenerId := self.listeners.Add(listener)
	return func() {
		self.listeners.Remove(listenerId)
	}
}

func (self *sessionListenerDispatcher) userJoined(user *User) {
	for _, listener := range self.listeners.Get() {
		listener := listener
		HandleError(func() {
			listener.UserJoined(user)
		})
	}
}

func (self *sessionListenerDispatcher) userLeft(user *User) {
	for _, listener := range self.listeners.Get() {
		listener := listener
		HandleError(func() {
			listener.UserLeft(user)
		})
	}
}

func (self *sessionListenerDispatcher) permissionChanged(user *User) {
	for _, listener := range self.listeners.Get() {
		listener := listener
		HandleError(func() {
			listener.PermissionChanged(user)
		})
	}
}

type referencePointListenerDispatcher struct {
	listeners *CallbackList[ReferencePointListener]
}

func newReferencePointListenerDispatcher() *referencePointListenerDispatcher {
	return &referencePointListenerDispatcher{
		listeners: NewCallbackList[ReferencePointListener](),
	}
}

func (self *referencePointListenerDispatcher) add(listener ReferencePointListener) func() {
	listenerId := self.listeners.Add(listener)
	return func() {
		self.listeners.Remove(listenerId)
	}
}

func (self *referencePointListenerDispatcher) referencePointShared(point ReferencePoint) {
	for _, listener := range self.listeners.Get() {
		listener := listener
		HandleError(func() {
			listener.ReferencePointShared(point)
		})
	}
}

func (self *referencePointListenerDispatcher) referencePointUnshared(point ReferencePoint) {
	for _, listener := range self.listeners.Get() {
		listener := listener
		HandleError(func() {
			listener.ReferencePointUnshared(point)
		})
	}
}

func (self *referencePointListenerDispatcher) resourcesShared(point ReferencePoint, relativePaths []string) {
	for _, listener := range self.listeners.Get() {
		listener := listener
		HandleError(func() {
			listener.ResourcesShared(point, relativePaths)
		})
	}
}
