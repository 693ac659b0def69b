package session

import (
	"fmt"
	"path"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a reference point is an opaque handle to a shared resource tree.
// the local representation (workspace project, module root) belongs to the
// editor integration; this core only resolves relative paths through it
type ReferencePoint interface {
	Name() string
	Resource(relativePath string) Resource
}

// one file or folder inside a reference point.
// existence and derived state are answered by the editor-side filesystem
type Resource interface {
	ReferencePoint() ReferencePoint
	RelativePath() string
	Exists() bool
	IsFolder() bool
	// build output and other generated resources are excluded from complete sharing
	IsDerived() bool
}

// location of a resource activity: reference point plus relative path.
// relative paths use a leading slash, e.g. "/src/Main.java"
type ResourcePath struct {
	point    ReferencePoint
	relative string
}

func NewResourcePath(point ReferencePoint, relative string) *ResourcePath {
	return &ResourcePath{
		point:    point,
		relative: relative,
	}
}

func (self *ResourcePath) Point() ReferencePoint {
	return self.point
}

func (self *ResourcePath) Relative() string {
	return self.relative
}

func (self *ResourcePath) Resource() Resource {
	return self.point.Resource(self.relative)
}

// "" for resources directly below the reference point root
func (self *ResourcePath) ParentPath() string {
	parent := path.Dir(self.relative)
	if parent == "/" || parent == "." {
		return ""
	}
	return parent
}

func (self *ResourcePath) String() string {
	return fmt.Sprintf("%s:%s", self.point.Name(), self.relative)
}

// in-memory reference point used by tests and the simulator.
// editor integrations supply their own `ReferencePoint` backed by the real filesystem
type MemReferencePoint struct {
	name string

	mutex   sync.Mutex
	folders map[string]bool
	files   map[string]bool
	derived map[string]bool
}

func NewMemReferencePoint(name string) *MemReferencePoint {
	return &MemReferencePoint{
		name:    name,
		folders: map[string]bool{},
		files:   map[string]bool{},
		derived: map[string]bool{},
	}
}

func (self *MemReferencePoint) Name() string {
	return self.name
}

func (self *MemReferencePoint) AddFile(relativePath string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.files[relativePath] = true
}

func (self *MemReferencePoint) AddFolder(relativePath string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.folders[relativePath] = true
}

func (self *MemReferencePoint) Remove(relativePath string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.files, relativePath)
	delete(self.folders, relativePath)
}

func (self *MemReferencePoint) MarkDerived(relativePath string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.derived[relativePath] = true
}

func (self *MemReferencePoint) Paths() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	paths := maps.Keys(self.files)
	paths = append(paths, maps.Keys(self.folders)...)
	slices.Sort(paths)
	return paths
}

func (self *MemReferencePoint) Resource(relativePath string) Resource {
	return &memResource{
		point:        self,
		relativePath: relativePath,
	}
}

type memResource struct {
	point        *MemReferencePoint
	relativePath string
}

func (self *memResource) ReferencePoint() ReferencePoint {
	return self.point
}

func (self *memResource) RelativePath() string {
	return self.relativePath
}

func (self *memResource) Exists() bool {
	self.point.mutex.Lock()
	defer self.point.mutex.Unlock()
	return self.point.files[self.relativePath] || self.point.folders[self.relativePath]
}

func (self *memResource) IsFolder() bool {
	self.point.mutex.Lock()
	defer self.point.mutex.Unlock()
	return self.point.folders[self.relativePath]
}

func (self *memResource) IsDerived() bool {
	self.point.mutex.Lock()
	defer self.point.mutex.Unlock()
	return self.point.derived[self.relativePath]
}
