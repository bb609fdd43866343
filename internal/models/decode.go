package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError 文档缺失必填字段或字段类型不符
type DecodeError struct {
	Doc   string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: field %s: %v", e.Doc, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: missing required field %s", e.Doc, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeGroup 解码群组文档并校验
func DecodeGroup(data []byte) (*Group, error) {
	var g Group
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, &DecodeError{Doc: "groups/?", Field: "*", Err: err}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// DecodeMember 解码成员文档并校验
func DecodeMember(data []byte) (*Member, error) {
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &DecodeError{Doc: "members/?", Field: "*", Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NormalizeName 群组名去除首尾空白，结果不能为空
func NormalizeName(name string) (string, bool) {
	trimmed := strings.TrimSpace(name)
	return trimmed, trimmed != ""
}

// NormalizeDescription 描述去除首尾空白，允许为空
func NormalizeDescription(desc string) string {
	return strings.TrimSpace(desc)
}
