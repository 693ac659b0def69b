package session

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

type Permission int

const (
	PermissionReadOnly Permission = iota
	PermissionWriteAccess
)

func (self Permission) String() string {
	switch self {
	case PermissionReadOnly:
		return "READ_ONLY"
	case PermissionWriteAccess:
		return "WRITE_ACCESS"
	default:
		return fmt.Sprintf("PERMISSION(%d)", int(self))
	}
}

// one participant of a session, keyed by its fully qualified network address.
// the flags and the property bag are mutable for the lifetime of the membership,
// everything else is fixed at join
type User struct {
	address string
	isHost  bool
	isLocal bool

	mutex      sync.Mutex
	permission Permission
	inSession  bool
	properties map[string]string
}

func NewUser(address string, isHost bool, isLocal bool, permission Permission) *User {
	return &User{
		address:    address,
		isHost:     isHost,
		isLocal:    isLocal,
		permission: permission,
		properties: map[string]string{},
	}
}

func (self *User) Address() string {
	return self.address
}

// a fully qualified address carries both a bare participant part and a
// per-process resource part, e.g. "alice@example.com/editor"
func (self *User) HasFullyQualifiedAddress() bool {
	at := strings.Index(self.address, "@")
	slash := strings.Index(self.address, "/")
	return 0 < at && at+1 < slash && slash+1 < len(self.address)
}

func (self *User) IsHost() bool {
	return self.isHost
}

func (self *User) IsLocal() bool {
	return self.isLocal
}

func (self *User) IsRemote() bool {
	return !self.isLocal
}

func (self *User) Permission() Permission {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.permission
}

func (self *User) SetPermission(permission Permission) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.permission = permission
}

func (self *User) HasWriteAccess() bool {
	return self.Permission() == PermissionWriteAccess
}

func (self *User) HasReadOnlyAccess() bool {
	return self.Permission() == PermissionReadOnly
}

func (self *User) IsInSession() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.inSession
}

func (self *User) SetInSession(inSession bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.inSession = inSession
}

func (self *User) Property(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.properties[key]
	return value, ok
}

func (self *User) SetProperties(properties map[string]string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	maps.Copy(self.properties, properties)
}

func (self *User) String() string {
	if self.isHost {
		return fmt.Sprintf("%s (host)", self.address)
	}
	return self.address
}
