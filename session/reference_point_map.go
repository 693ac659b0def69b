package session

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// tracks which resource trees are shared, fully or partially, and maps them
// to their network-wide ids. each registered reference point is in exactly
// one of two disjoint states: completely shared (the whole tree minus derived
// resources) or partially shared (an explicit set of relative paths).
// on the host it additionally tracks which participants already received
// which reference points, to gate resource activity delivery.
// all operations are safe under concurrent callers

type ReferencePointMap struct {
	mutex sync.Mutex

	idToPoint map[Id]ReferencePoint
	pointToId map[ReferencePoint]Id

	completelyShared mapset.Set[ReferencePoint]
	// reference point -> explicit set of shared relative paths
	partiallyShared map[ReferencePoint]mapset.Set[string]

	// user address -> ids of the reference points the user has fully received
	userPoints map[string]mapset.Set[Id]
}

func NewReferencePointMap() *ReferencePointMap {
	return &ReferencePointMap{
		idToPoint:        map[Id]ReferencePoint{},
		pointToId:        map[ReferencePoint]Id{},
		completelyShared: mapset.NewSet[ReferencePoint](),
		partiallyShared:  map[ReferencePoint]mapset.Set[string]{},
		userPoints:       map[string]mapset.Set[Id]{},
	}
}

// registers a reference point under its network id, or upgrades a partially
// shared point to completely shared. the id mapping is a bijection while the
// point is registered: rebinding either side is an error, as is re-adding at
// the sharing level the point already has. the only allowed downgrade-free
// transition is partial -> complete, which discards the explicit resource set
func (self *ReferencePointMap) AddReferencePoint(id Id, point ReferencePoint, isPartial bool) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if existingPoint, ok := self.idToPoint[id]; ok && existingPoint != point {
		return fmt.Errorf("id %s is already bound to reference point %s", id, existingPoint.Name())
	}
	if existingId, ok := self.pointToId[point]; ok && existingId != id {
		return fmt.Errorf("reference point %s is already bound to id %s", point.Name(), existingId)
	}

	_, partial := self.partiallyShared[point]
	complete := self.completelyShared.Contains(point)

	switch {
	case complete && !isPartial:
		return fmt.Errorf("reference point %s is already completely shared", point.Name())
	case complete && isPartial:
		return fmt.Errorf("reference point %s cannot be downgraded to partial sharing", point.Name())
	case partial && isPartial:
		return fmt.Errorf("reference point %s is already partially shared", point.Name())
	case partial && !isPartial:
		// upgrade. the id mapping is preserved, the explicit set is discarded
		delete(self.partiallyShared, point)
		self.completelyShared.Add(point)
	default:
		self.idToPoint[id] = point
		self.pointToId[point] = id
		if isPartial {
			self.partiallyShared[point] = mapset.NewSet[string]()
		} else {
			self.completelyShared.Add(point)
		}
	}

	self.assertDisjoint()
	return nil
}

func (self *ReferencePointMap) RemoveReferencePoint(id Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	point, ok := self.idToPoint[id]
	if !ok {
		glog.Warningf("[map]remove of unknown reference point id %s\n", id)
		return
	}

	delete(self.idToPoint, id)
	delete(self.pointToId, point)
	self.completelyShared.Remove(point)
	delete(self.partiallyShared, point)
	for _, ids := range self.userPoints {
		ids.Remove(id)
	}

	self.assertDisjoint()
}

// best effort: callers validate separately (see the partial sharing check).
// unknown or completely shared points log and leave the map unchanged
func (self *ReferencePointMap) AddResources(point ReferencePoint, relativePaths []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.addResources(point, relativePaths)
}

func (self *ReferencePointMap) RemoveResources(point ReferencePoint, relativePaths []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.removeResources(point, relativePaths)
}

// remove then add under one lock acquisition
func (self *ReferencePointMap) RemoveAndAddResources(point ReferencePoint, toRemove []string, toAdd []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.removeResources(point, toRemove)
	self.addResources(point, toAdd)
}

func (self *ReferencePointMap) addResources(point ReferencePoint, relativePaths []string) {
	resources, ok := self.partialResources(point, "add")
	if !ok {
		return
	}
	resources.Append(relativePaths...)
	self.assertDisjoint()
}

func (self *ReferencePointMap) removeResources(point ReferencePoint, relativePaths []string) {
	resources, ok := self.partialResources(point, "remove")
	if !ok {
		return
	}
	resources.RemoveAll(relativePaths...)
	self.assertDisjoint()
}

func (self *ReferencePointMap) partialResources(point ReferencePoint, op string) (mapset.Set[string], bool) {
	if self.completelyShared.Contains(point) {
		glog.Warningf("[map]resource %s on completely shared reference point %s\n", op, point.Name())
		return nil, false
	}
	resources, ok := self.partiallyShared[point]
	if !ok {
		glog.Warningf("[map]resource %s on unknown reference point %s\n", op, point.Name())
		return nil, false
	}
	return resources, true
}

func (self *ReferencePointMap) IsShared(resource Resource) bool {
	return self.IsPathShared(resource.ReferencePoint(), resource.RelativePath())
}

func (self *ReferencePointMap) IsPathShared(point ReferencePoint, relativePath string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.completelyShared.Contains(point) {
		return !point.Resource(relativePath).IsDerived()
	}
	if resources, ok := self.partiallyShared[point]; ok {
		return resources.Contains(relativePath)
	}
	return false
}

func (self *ReferencePointMap) IsCompletelyShared(point ReferencePoint) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.completelyShared.Contains(point)
}

func (self *ReferencePointMap) IsPartiallyShared(point ReferencePoint) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.partiallyShared[point]
	return ok
}

func (self *ReferencePointMap) Id(point ReferencePoint) (Id, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	id, ok := self.pointToId[point]
	return id, ok
}

func (self *ReferencePointMap) Point(id Id) (ReferencePoint, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	point, ok := self.idToPoint[id]
	return point, ok
}

func (self *ReferencePointMap) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.idToPoint)
}

func (self *ReferencePointMap) ReferencePoints() []ReferencePoint {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.idToPoint)
}

// flattened union of the explicit sets across all partially shared points
func (self *ReferencePointMap) PartiallySharedResources() []Resource {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	resources := []Resource{}
	for point, paths := range self.partiallyShared {
		for _, relativePath := range paths.ToSlice() {
			resources = append(resources, point.Resource(relativePath))
		}
	}
	return resources
}

// per-point explicit sets. completely shared points map to nil by convention,
// meaning "everything"
func (self *ReferencePointMap) ReferencePointResourceMapping() map[ReferencePoint][]string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	mapping := map[ReferencePoint][]string{}
	for _, point := range self.completelyShared.ToSlice() {
		mapping[point] = nil
	}
	for point, paths := range self.partiallyShared {
		mapping[point] = paths.ToSlice()
	}
	return mapping
}

// host-only bookkeeping of which users received which reference points

func (self *ReferencePointMap) UserHasReferencePoint(user *User, point ReferencePoint) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id, ok := self.pointToId[point]
	if !ok {
		return false
	}
	ids, ok := self.userPoints[user.Address()]
	return ok && ids.Contains(id)
}

// marks every currently registered reference point as received by the user
func (self *ReferencePointMap) AddMissingReferencePointsToUser(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ids, ok := self.userPoints[user.Address()]
	if !ok {
		ids = mapset.NewSet[Id]()
		self.userPoints[user.Address()] = ids
	}
	ids.Append(maps.Keys(self.idToPoint)...)
}

func (self *ReferencePointMap) UserLeft(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.userPoints, user.Address())
}

// the completely and partially shared sets must stay disjoint
func (self *ReferencePointMap) assertDisjoint() {
	for point := range self.partiallyShared {
		if self.completelyShared.Contains(point) {
			panic(fmt.Errorf("reference point %s is both completely and partially shared", point.Name()))
		}
	}
}
