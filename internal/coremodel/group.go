package coremodel

import "fmt"

// GroupType 群组类型，固定六种，不允许按实例配置能力
type GroupType string

const (
	GroupPrivate     GroupType = "private"
	GroupExclusive   GroupType = "exclusive"
	GroupOpen        GroupType = "open"
	GroupDataLogging GroupType = "data_logging"
	GroupEnhanced    GroupType = "enhanced"
	GroupLocation    GroupType = "location"
)

// Capabilities 群组的路由能力
type Capabilities struct {
	UsesNID      bool
	UsesDistance bool
}

// groupCapabilities 能力查找表
var groupCapabilities = map[GroupType]Capabilities{
	GroupPrivate:     {UsesNID: true, UsesDistance: false},
	GroupExclusive:   {UsesNID: true, UsesDistance: false},
	GroupOpen:        {UsesNID: false, UsesDistance: true},
	GroupDataLogging: {UsesNID: true, UsesDistance: false},
	GroupEnhanced:    {UsesNID: true, UsesDistance: true},
	GroupLocation:    {UsesNID: true, UsesDistance: true},
}

// AllGroupTypes 返回全部群组类型（顺序固定）
func AllGroupTypes() []GroupType {
	return []GroupType{GroupPrivate, GroupExclusive, GroupOpen, GroupDataLogging, GroupEnhanced, GroupLocation}
}

// Valid 是否为已知群组类型
func (t GroupType) Valid() bool {
	_, ok := groupCapabilities[t]
	return ok
}

// Capabilities 查表返回能力；未知类型两项均为 false
func (t GroupType) Capabilities() Capabilities {
	return groupCapabilities[t]
}

// ParseGroupType 解析群组类型字符串
func ParseGroupType(s string) (GroupType, error) {
	t := GroupType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown group type %q", ErrValidation, s)
	}
	return t, nil
}

// MaxDeviceUsers 单个设备可关联的用户上限
const MaxDeviceUsers = 6
