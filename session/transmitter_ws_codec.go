package session

import (
	"fmt"
)

const (
	wsTypeActivities  = "activities"
	wsTypeUserList    = "user_list"
	wsTypeUserListAck = "user_list_ack"
)

type wsEnvelope struct {
	Type       string        `json:"type"`
	SyncId     *Id           `json:"sync_id,omitempty"`
	Activities []*wsActivity `json:"activities,omitempty"`
	Users      []*wsUser     `json:"users,omitempty"`
}

type wsUser struct {
	Address    string `json:"address"`
	IsHost     bool   `json:"is_host"`
	Permission int    `json:"permission"`
}

const (
	wsKindTextEdit   = "text_edit"
	wsKindOT         = "ot"
	wsKindEditor     = "editor"
	wsKindFile       = "file"
	wsKindFolder     = "folder"
	wsKindPermission = "permission"
	wsKindSelection  = "selection"
	wsKindViewport   = "viewport"
	wsKindKick       = "kick"
	wsKindNoOp       = "noop"
)

type wsActivity struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`

	PointId     *Id    `json:"point_id,omitempty"`
	Relative    string `json:"relative,omitempty"`
	OldRelative string `json:"old_relative,omitempty"`

	Offset       int    `json:"offset,omitempty"`
	Length       int    `json:"length,omitempty"`
	Text         string `json:"text,omitempty"`
	ReplacedText string `json:"replaced_text,omitempty"`
	Subtype      int    `json:"subtype,omitempty"`
	Target       string `json:"target,omitempty"`
	Permission   int    `json:"permission,omitempty"`
	TopLine      int    `json:"top_line,omitempty"`
	BottomLine   int    `json:"bottom_line,omitempty"`
	Content      []byte `json:"content,omitempty"`
	Operation    string `json:"operation,omitempty"`
}

func (self *WsTransmitter) encodePath(path *ResourcePath) (*Id, string, error) {
	if path == nil {
		return nil, "", nil
	}
	id, ok := self.session.referencePointMap.Id(path.Point())
	if !ok {
		return nil, "", fmt.Errorf("reference point %s is not registered", path.Point().Name())
	}
	return &id, path.Relative(), nil
}

func (self *WsTransmitter) decodePath(pointId *Id, relative string) (*ResourcePath, error) {
	if pointId == nil {
		return nil, nil
	}
	point, ok := self.session.referencePointMap.Point(*pointId)
	if !ok {
		return nil, fmt.Errorf("unknown reference point id %s", pointId)
	}
	return NewResourcePath(point, relative), nil
}

func (self *WsTransmitter) encodeActivity(activity Activity) (*wsActivity, error) {
	wire := &wsActivity{
		Source: activity.Source().Address(),
	}

	encodePath := func(path *ResourcePath) error {
		pointId, relative, err := self.encodePath(path)
		if err != nil {
			return err
		}
		wire.PointId = pointId
		wire.Relative = relative
		return nil
	}

	switch v := activity.(type) {
	case *TextEditActivity:
		wire.Kind = wsKindTextEdit
		wire.Offset = v.Offset()
		wire.Text = v.Text()
		wire.ReplacedText = v.ReplacedText()
		return wire, encodePath(v.Path())
	case *OTActivity:
		wire.Kind = wsKindOT
		wire.Operation = fmt.Sprintf("%v", v.Operation())
		return wire, encodePath(v.Path())
	case *EditorActivity:
		wire.Kind = wsKindEditor
		wire.Subtype = int(v.Type())
		return wire, encodePath(v.Path())
	case *FileActivity:
		wire.Kind = wsKindFile
		wire.Subtype = int(v.Type())
		wire.Content = v.Content()
		if err := encodePath(v.Path()); err != nil {
			return nil, err
		}
		if v.OldPath() != nil {
			_, oldRelative, err := self.encodePath(v.OldPath())
			if err != nil {
				return nil, err
			}
			wire.OldRelative = oldRelative
		}
		return wire, nil
	case *FolderActivity:
		wire.Kind = wsKindFolder
		wire.Subtype = int(v.Type())
		return wire, encodePath(v.Path())
	case *PermissionActivity:
		wire.Kind = wsKindPermission
		wire.Target = v.TargetAddress()
		wire.Permission = int(v.Permission())
		return wire, nil
	case *TextSelectionActivity:
		wire.Kind = wsKindSelection
		wire.Offset = v.Offset()
		wire.Length = v.Length()
		return wire, encodePath(v.Path())
	case *ViewportActivity:
		wire.Kind = wsKindViewport
		wire.TopLine = v.TopLine()
		wire.BottomLine = v.BottomLine()
		return wire, encodePath(v.Path())
	case *KickActivity:
		wire.Kind = wsKindKick
		wire.Target = v.TargetAddress()
		return wire, nil
	case *NoOpActivity:
		wire.Kind = wsKindNoOp
		return wire, nil
	default:
		return nil, fmt.Errorf("cannot encode activity %T", activity)
	}
}

func (self *WsTransmitter) decodeActivity(wire *wsActivity) (Activity, error) {
	source := self.session.UserByAddress(wire.Source)
	if source == nil {
		return nil, fmt.Errorf("unknown source user %s", wire.Source)
	}

	path, err := self.decodePath(wire.PointId, wire.Relative)
	if err != nil {
		return nil, err
	}

	switch wire.Kind {
	case wsKindTextEdit:
		return NewTextEditActivity(source, path, wire.Offset, wire.Text, wire.ReplacedText), nil
	case wsKindOT:
		return NewOTActivity(source, path, wire.Operation), nil
	case wsKindEditor:
		return NewEditorActivity(source, path, EditorActivityType(wire.Subtype)), nil
	case wsKindFile:
		var oldPath *ResourcePath
		if wire.OldRelative != "" {
			oldPath, err = self.decodePath(wire.PointId, wire.OldRelative)
			if err != nil {
				return nil, err
			}
		}
		return NewFileActivity(source, FileActivityType(wire.Subtype), path, oldPath, wire.Content), nil
	case wsKindFolder:
		return NewFolderActivity(source, FolderActivityType(wire.Subtype), path), nil
	case wsKindPermission:
		return NewPermissionActivity(source, wire.Target, Permission(wire.Permission)), nil
	case wsKindSelection:
		return NewTextSelectionActivity(source, path, wire.Offset, wire.Length), nil
	case wsKindViewport:
		return NewViewportActivity(source, path, wire.TopLine, wire.BottomLine), nil
	case wsKindKick:
		return NewKickActivity(source, wire.Target), nil
	case wsKindNoOp:
		return NewNoOpActivity(source), nil
	default:
		return nil, fmt.Errorf("cannot decode activity kind %s", wire.Kind)
	}
}
