package session

import (
	"fmt"
)

// one immutable unit of collaborative change.
// activities that fail `IsValid` are dropped before execution, never executed
type Activity interface {
	Source() *User
	IsValid() bool
}

// an activity tied to a path inside a reference point.
// a nil path means the activity is not bound to a resource (e.g. an editor
// activation with no active editor) and is never queued
type ResourceActivity interface {
	Activity
	Path() *ResourcePath
}

type activityBase struct {
	source *User
}

func (self *activityBase) Source() *User {
	return self.source
}

type resourceActivityBase struct {
	activityBase
	path *ResourcePath
}

func (self *resourceActivityBase) Path() *ResourcePath {
	return self.path
}

// a text change produced by the local editor or received from a peer
type TextEditActivity struct {
	resourceActivityBase
	offset       int
	text         string
	replacedText string
}

func NewTextEditActivity(source *User, path *ResourcePath, offset int, text string, replacedText string) *TextEditActivity {
	return &TextEditActivity{
		resourceActivityBase: resourceActivityBase{
			activityBase: activityBase{source: source},
			path:         path,
		},
		offset:       offset,
		text:         text,
		replacedText: replacedText,
	}
}

func (self *TextEditActivity) Offset() int {
	return self.offset
}

func (self *TextEditActivity) Text() string {
	return self.text
}

func (self *TextEditActivity) ReplacedText() string {
	return self.replacedText
}

func (self *TextEditActivity) IsValid() bool {
	return self.source != nil && self.path != nil && 0 <= self.offset
}

func (self *TextEditActivity) String() string {
	return fmt.Sprintf("TextEdit(%s@%d)", self.path, self.offset)
}

// an operational-transform engine message. the operation payload is opaque
// to this core and interpreted only by the consuming engine
type OTActivity struct {
	resourceActivityBase
	operation any
}

func NewOTActivity(source *User, path *ResourcePath, operation any) *OTActivity {
	return &OTActivity{
		resourceActivityBase: resourceActivityBase{
			activityBase: activityBase{source: source},
			path:         path,
		},
		operation: operation,
	}
}

func (self *OTActivity) Operation() any {
	return self.operation
}

func (self *OTActivity) IsValid() bool {
	return self.source != nil && self.path != nil
}

func (self *OTActivity) String() string {
	return fmt.Sprintf("OT(%s)", self.path)
}

type EditorActivityType int

const (
	EditorActivated EditorActivityType = iota
	EditorClosed
	EditorSaved
)

func (self EditorActivityType) String() string {
	switch self {
	case EditorActivated:
		return "ACTIVATED"
	case EditorClosed:
		return "CLOSED"
	case EditorSaved:
		return "SAVED"
	default:
		return fmt.Sprintf("EDITOR(%d)", int(self))
	}
}

// editor lifecycle signal. an activation initializes per-user shadow state
// on the receiving side and must precede the first edit applied for a path
type EditorActivity struct {
	resourceActivityBase
	editorType EditorActivityType
}

func NewEditorActivity(source *User, path *ResourcePath, editorType EditorActivityType) *EditorActivity {
	return &EditorActivity{
		resourceActivityBase: resourceActivityBase{
			activityBase: activityBase{source: source},
			path:         path,
		},
		editorType: editorType,
	}
}

func (self *EditorActivity) Type() EditorActivityType {
	return self.editorType
}

func (self *EditorActivity) IsValid() bool {
	if self.source == nil {
		return false
	}
	// a save always names a path. activation and close may carry a nil path,
	// meaning "no editor is active"
	if self.editorType == EditorSaved {
		return self.path != nil
	}
	return true
}

func (self *EditorActivity) String() string {
	return fmt.Sprintf("Editor(%s, %s)", self.editorType, self.path)
}

type FileActivityType int

const (
	FileCreated FileActivityType = iota
	FileRemoved
	FileMoved
)

func (self FileActivityType) String() string {
	switch self {
	case FileCreated:
		return "CREATED"
	case FileRemoved:
		return "REMOVED"
	case FileMoved:
		return "MOVED"
	default:
		return fmt.Sprintf("FILE(%d)", int(self))
	}
}

// a file created, removed, or moved on disk.
// for a move, `oldPath` is the origin and `path` the destination
type FileActivity struct {
	resourceActivityBase
	fileType FileActivityType
	oldPath  *ResourcePath
	content  []byte
}

func NewFileActivity(source *User, fileType FileActivityType, path *ResourcePath, oldPath *ResourcePath, content []byte) *FileActivity {
	return &FileActivity{
		resourceActivityBase: resourceActivityBase{
			activityBase: activityBase{source: source},
			path:         path,
		},
		fileType: fileType,
		oldPath:  oldPath,
		content:  content,
	}
}

func (self *FileActivity) Type() FileActivityType {
	return self.fileType
}

func (self *FileActivity) OldPath() *ResourcePath {
	return self.oldPath
}

func (self *FileActivity) Content() []byte {
	return self.content
}

func (self *FileActivity) IsValid() bool {
	if self.source == nil || self.path == nil {
		return false
	}
	if self.fileType == FileMoved {
		return self.oldPath != nil
	}
	return true
}

func (self *FileActivity) String() string {
	if self.fileType == FileMoved {
		return fmt.Sprintf("File(MOVED, %s -> %s)", self.oldPath, self.path)
	}
	return fmt.Sprintf("File(%s, %s)", self.fileType, self.path)
}

type FolderActivityType int

const (
	FolderCreated FolderActivityType = iota
	FolderRemoved
)

func (self FolderActivityType) String() string {
	switch self {
	case FolderCreated:
		return "CREATED"
	case FolderRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("FOLDER(%d)", int(self))
	}
}

type FolderActivity struct {
	resourceActivityBase
	folderType FolderActivityType
}

func NewFolderActivity(source *User, folderType FolderActivityType, path *ResourcePath) *FolderActivity {
	return &FolderActivity{
		resourceActivityBase: resourceActivityBase{
			activityBase: activityBase{source: source},
			path:         path,
		},
		folderType: folderType,
	}
}

func (self *FolderActivity) Type() FolderActivityType {
	return self.folderType
}

func (self *FolderActivity) IsValid() bool {
	return self.source != nil && self.path != nil
}

func (self *FolderActivity) String() string {
	return fmt.Sprintf("Folder(%s, %s)", self.folderType, self.path)
}

// announces a permission change for the target participant
type PermissionActivity struct {
	activityBase
	targetAddress string
	permission    Permission
}

func NewPermissionActivity(source *User, targetAddress string, permission Permission) *PermissionActivity {
	return &PermissionActivity{
		activityBase:  activityBase{source: source},
		targetAddress: targetAddress,
		permission:    permission,
	}
}

func (self *PermissionActivity) TargetAddress() string {
	return self.targetAddress
}

func (self *PermissionActivity) Permission() Permission {
	return self.permission
}

func (self *PermissionActivity) IsValid() bool {
	return self.source != nil && self.targetAddress != ""
}

func (self *PermissionActivity) String() string {
	return fmt.Sprintf("Permission(%s, %s)", self.targetAddress, self.permission)
}

// awareness: the selected range of the source user in a file
type TextSelectionActivity struct {
	resourceActivityBase
	offset int
	length int
}

func NewTextSelectionActivity(source *User, path *ResourcePath, offset int, length int) *TextSelectionActivity {
	return &TextSelectionActivity{
		resourceActivityBase: resourceActivityBase{
			activityBase: activityBase{source: source},
			path:         path,
		},
		offset: offset,
		length: length,
	}
}

func (self *TextSelectionActivity) Offset() int {
	return self.offset
}

func (self *TextSelectionActivity) Length() int {
	return self.length
}

func (self *TextSelectionActivity) IsValid() bool {
	return self.source != nil && self.path != nil && 0 <= self.offset && 0 <= self.length
}

// awareness: the visible line range of the source user in a file
type ViewportActivity struct {
	resourceActivityBase
	topLine    int
	bottomLine int
}

func NewViewportActivity(source *User, path *ResourcePath, topLine int, bottomLine int) *ViewportActivity {
	return &ViewportActivity{
		resourceActivityBase: resourceActivityBase{
			activityBase: activityBase{source: source},
			path:         path,
		},
		topLine:    topLine,
		bottomLine: bottomLine,
	}
}

func (self *ViewportActivity) TopLine() int {
	return self.topLine
}

func (self *ViewportActivity) BottomLine() int {
	return self.bottomLine
}

func (self *ViewportActivity) IsValid() bool {
	return self.source != nil && self.path != nil && 0 <= self.topLine && self.topLine <= self.bottomLine
}

// announces that the host removed the target participant
type KickActivity struct {
	activityBase
	targetAddress string
}

func NewKickActivity(source *User, targetAddress string) *KickActivity {
	return &KickActivity{
		activityBase:  activityBase{source: source},
		targetAddress: targetAddress,
	}
}

func (self *KickActivity) TargetAddress() string {
	return self.targetAddress
}

func (self *KickActivity) IsValid() bool {
	return self.source != nil && self.source.IsHost() && self.targetAddress != ""
}

func (self *KickActivity) String() string {
	return fmt.Sprintf("Kick(%s)", self.targetAddress)
}

// keeps a quiet stream alive without any local effect
type NoOpActivity struct {
	activityBase
}

func NewNoOpActivity(source *User) *NoOpActivity {
	return &NoOpActivity{
		activityBase: activityBase{source: source},
	}
}

func (self *NoOpActivity) IsValid() bool {
	return self.source != nil
}

// edit-related activities structurally depend on a preceding editor
// activation for their (path, user) pair
func isEditRelated(activity Activity) bool {
	switch activity.(type) {
	case *TextEditActivity, *OTActivity:
		return true
	default:
		return false
	}
}

func isFilesystemMutation(activity Activity) bool {
	switch activity.(type) {
	case *FileActivity, *FolderActivity:
		return true
	default:
		return false
	}
}
