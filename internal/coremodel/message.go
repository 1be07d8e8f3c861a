package coremodel

import "fmt"

// MessageClass 消息类别
type MessageClass string

const (
	ClassAlert MessageClass = "alert"
	ClassAlarm MessageClass = "alarm"
)

// alert 子类型
const (
	AlertSensor   = "sensor"
	AlertPanic    = "panic"
	AlertNSPanic  = "ns-panic"
	AlertUnknown  = "unknown"
	AlertDistress = "distress"
)

// alarm 子类型
const (
	AlarmPA      = "pa"
	AlarmPM      = "pm"
	AlarmService = "service"
)

var classSubtypes = map[MessageClass]map[string]struct{}{
	ClassAlert: {AlertSensor: {}, AlertPanic: {}, AlertNSPanic: {}, AlertUnknown: {}, AlertDistress: {}},
	ClassAlarm: {AlarmPA: {}, AlarmPM: {}, AlarmService: {}},
}

// ParseMessageClass 解析消息类别
func ParseMessageClass(s string) (MessageClass, error) {
	c := MessageClass(s)
	if _, ok := classSubtypes[c]; !ok {
		return "", fmt.Errorf("%w: unknown message type %q", ErrValidation, s)
	}
	return c, nil
}

// ValidateSubtype 校验子类型与类别匹配
func (c MessageClass) ValidateSubtype(subtype string) error {
	subs, ok := classSubtypes[c]
	if !ok {
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, c)
	}
	if _, ok := subs[subtype]; !ok {
		return fmt.Errorf("%w: %s_type %q is not valid for type %s", ErrValidation, c, subtype, c)
	}
	return nil
}

// IsAlarm 告警（alarm）优先级高于提醒（alert）
func (c MessageClass) IsAlarm() bool {
	return c == ClassAlarm
}

// SubtypeField 对应 webhook 报文中的子类型键名
func (c MessageClass) SubtypeField() string {
	return string(c) + "_type"
}
