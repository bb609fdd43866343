package ws

import (
	"github.com/Gopher0727/Cicero/internal/engine"
	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
)

// 客户端发来的帧类型
const (
	TypeEdit    = "edit"
	TypeFlush   = "flush"
	TypeWatch   = "watch"
	TypeUnwatch = "unwatch"
)

// 服务端推送的帧类型
const (
	TypeGroups = "groups"
	TypeGroup  = "group"
	TypeError  = "error"
)

// Inbound 客户端帧，例如 {"type":"edit","groupId":"BC123","field":"name","value":"Book Club"}
type Inbound struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId,omitempty"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
}

// Frame 服务端帧。Error 与 Data 可以同时出现：部分结果附带 Aggregated 警告。
type Frame struct {
	Type    string      `json:"type"`
	GroupID string      `json:"groupId,omitempty"`
	Field   string      `json:"field,omitempty"`
	Data    any         `json:"data,omitempty"`
	Error   *FrameError `json:"error,omitempty"`
}

type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Terminal is set when the stream it belongs to has ended.
	Terminal bool `json:"terminal,omitempty"`
}

// GroupDetail is the payload of a group frame.
type GroupDetail struct {
	Group   *models.Group        `json:"group"`
	Members []engine.RosterEntry `json:"members"`
}

func frameError(err error, terminal bool) *FrameError {
	if err == nil {
		return nil
	}
	return &FrameError{
		Code:     errs.KindOf(err).Code(),
		Message:  errs.UserMessage(err),
		Terminal: terminal,
	}
}

func groupsFrame(s engine.GroupsSnapshot) Frame {
	if s.Err != nil {
		return Frame{Type: TypeGroups, Error: frameError(s.Err, true)}
	}
	groups := s.Groups
	if groups == nil {
		groups = []models.Group{}
	}
	return Frame{Type: TypeGroups, Data: groups, Error: frameError(s.Warning, false)}
}

func groupFrame(groupID string, s engine.GroupSnapshot) Frame {
	if s.Err != nil {
		return Frame{Type: TypeGroup, GroupID: groupID, Error: frameError(s.Err, true)}
	}
	members := s.Members
	if members == nil {
		members = []engine.RosterEntry{}
	}
	return Frame{
		Type:    TypeGroup,
		GroupID: groupID,
		Data:    GroupDetail{Group: s.Group, Members: members},
		Error:   frameError(s.Warning, false),
	}
}

func errorFrame(groupID, field string, err error) Frame {
	return Frame{Type: TypeError, GroupID: groupID, Field: field, Error: frameError(err, false)}
}
