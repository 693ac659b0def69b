package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// a remote participant's activity stream, currently paused.
// obtained from the stop coordinator and released by `Resume`,
// which must succeed exactly once
type StopHandle interface {
	// reports false if the remote user could not be unblocked
	// (already unblocked, or a protocol violation on the peer)
	Resume() bool
}

// pauses a remote participant's activity stream before a permission change.
// `RequestStop` blocks across the round-trip with the peer. implementations
// must not call back into the session synchronously while stopping
type StopCoordinator interface {
	RequestStop(ctx context.Context, user *User, reason string) (StopHandle, error)
}

// implements the distributed write-permission handover. a change for a remote
// target always runs stop -> apply -> resume; no two changes are in flight
// concurrently

type PermissionManager struct {
	session         *Session
	stopCoordinator StopCoordinator
	applyExecutor   *SerialExecutor

	// serializes handovers
	changeLock sync.Mutex
}

func NewPermissionManager(session *Session, stopCoordinator StopCoordinator) *PermissionManager {
	return &PermissionManager{
		session:         session,
		stopCoordinator: stopCoordinator,
		applyExecutor:   session.applyExecutor,
	}
}

// changes the write permission of `target`. only the host initiates
// handovers; clients apply changes received over the wire (see `Exec`).
// the caller must run this from a dedicated coordination thread, never from
// the thread delivering incoming network activities.
// an unblock failure after the change took effect is logged, not returned:
// the change has already been applied locally and broadcast
func (self *PermissionManager) ChangePermission(ctx context.Context, target *User, permission Permission) error {
	self.changeLock.Lock()
	defer self.changeLock.Unlock()

	localUser := self.session.LocalUser()
	if !localUser.IsHost() {
		return fmt.Errorf("only the host can initiate a permission change")
	}
	if !target.IsInSession() {
		return fmt.Errorf("user %s is not in the session", target)
	}

	apply := func() {
		activity := NewPermissionActivity(localUser, target.Address(), permission)
		self.session.fireActivity(activity)
		target.SetPermission(permission)
		self.session.notifyPermissionChanged(target)
	}

	if target.IsLocal() {
		return self.applyExecutor.SubmitAndWait(ctx, apply)
	}

	handle, err := self.stopCoordinator.RequestStop(ctx, target, "permission change")
	if err != nil {
		return fmt.Errorf("could not pause %s: %w", target, err)
	}

	if err := self.applyExecutor.SubmitAndWait(ctx, apply); err != nil {
		// the change did not take effect. still release the stopped stream
		handle.Resume()
		return err
	}

	if !handle.Resume() {
		glog.Errorf("[permission]could not unblock %s after permission change\n", target)
	}
	return nil
}

// ActivityConsumer, registered active: applies permission changes received
// over the wire without a further network round-trip
func (self *PermissionManager) Exec(activity Activity) {
	permissionActivity, ok := activity.(*PermissionActivity)
	if !ok {
		return
	}

	target := self.session.UserByAddress(permissionActivity.TargetAddress())
	if target == nil || !target.IsInSession() {
		glog.Warningf("[permission]change for %s dropped, user is not a member\n", permissionActivity.TargetAddress())
		return
	}

	target.SetPermission(permissionActivity.Permission())
	self.session.notifyPermissionChanged(target)
}
