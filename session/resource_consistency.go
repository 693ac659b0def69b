package session

import (
	"fmt"
)

// outcome of the partial sharing check. rejections carry the specific
// precondition mismatch for diagnosis
type ConsistencyResult struct {
	Accepted bool
	Reason   string
}

func accepted() ConsistencyResult {
	return ConsistencyResult{Accepted: true}
}

func rejected(format string, a ...any) ConsistencyResult {
	return ConsistencyResult{Reason: fmt.Sprintf(format, a...)}
}

// validates a filesystem-mutating activity against the partial sharing
// membership and, when it is consistent, applies the membership update.
// invoked exactly once per such activity: before send on the outgoing path,
// after consumer fan-out on the incoming path.
// reference points that are not partially shared pass through unchanged
func (self *Session) checkAndUpdatePartialSharing(activity Activity) ConsistencyResult {
	switch v := activity.(type) {
	case *FileActivity:
		switch v.Type() {
		case FileCreated:
			return self.applyResourceCreated(v.Path())
		case FileRemoved:
			return self.applyResourceRemoved(v.Path())
		case FileMoved:
			return self.applyResourceMoved(v.OldPath(), v.Path())
		}
	case *FolderActivity:
		switch v.Type() {
		case FolderCreated:
			return self.applyResourceCreated(v.Path())
		case FolderRemoved:
			return self.applyResourceRemoved(v.Path())
		}
	}
	return accepted()
}

// create requires the parent already shared and the resource present on disk
func (self *Session) applyResourceCreated(path *ResourcePath) ConsistencyResult {
	point := path.Point()
	if !self.referencePointMap.IsPartiallyShared(point) {
		return accepted()
	}

	if parent := path.ParentPath(); parent != "" && !self.referencePointMap.IsPathShared(point, parent) {
		return rejected("create of %s: parent %s is not shared", path, parent)
	}
	if !path.Resource().Exists() {
		return rejected("create of %s: resource does not exist on disk", path)
	}

	self.referencePointMap.AddResources(point, []string{path.Relative()})
	return accepted()
}

// remove requires the resource was shared and is gone from disk
func (self *Session) applyResourceRemoved(path *ResourcePath) ConsistencyResult {
	point := path.Point()
	if !self.referencePointMap.IsPartiallyShared(point) {
		return accepted()
	}

	if !self.referencePointMap.IsPathShared(point, path.Relative()) {
		return rejected("remove of %s: resource was not shared", path)
	}
	if path.Resource().Exists() {
		return rejected("remove of %s: resource still exists on disk", path)
	}

	self.referencePointMap.RemoveResources(point, []string{path.Relative()})
	return accepted()
}

// move requires the old path shared and gone, the new path unshared and
// present. the membership swap is atomic with respect to other map callers
func (self *Session) applyResourceMoved(oldPath *ResourcePath, newPath *ResourcePath) ConsistencyResult {
	point := newPath.Point()
	if !self.referencePointMap.IsPartiallyShared(point) {
		return accepted()
	}

	if oldPath.Point() != point {
		return rejected("move of %s to %s: crosses reference points", oldPath, newPath)
	}
	if !self.referencePointMap.IsPathShared(point, oldPath.Relative()) {
		return rejected("move of %s: origin was not shared", oldPath)
	}
	if oldPath.Resource().Exists() {
		return rejected("move of %s: origin still exists on disk", oldPath)
	}
	if self.referencePointMap.IsPathShared(point, newPath.Relative()) {
		return rejected("move to %s: destination is already shared", newPath)
	}
	if !newPath.Resource().Exists() {
		return rejected("move to %s: destination does not exist on disk", newPath)
	}

	self.referencePointMap.RemoveAndAddResources(point, []string{oldPath.Relative()}, []string{newPath.Relative()})
	return accepted()
}
