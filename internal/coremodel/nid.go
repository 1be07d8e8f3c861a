package coremodel

import (
	"fmt"
	"strconv"
	"strings"
)

// BroadcastNIDValue 广播 NID 的数值（全 1）
const BroadcastNIDValue uint64 = 0xFFFFFFFF

// BroadcastNID 广播 NID 的规范形式，匹配任意消息 NID
var BroadcastNID = formatNumericNID(BroadcastNIDValue)

// CanonicalNID 将 NID 文本规范化为唯一内部表示：
//   - 去除首尾空白与 "-"
//   - 纯十进制数字、或 0x/0X 前缀的十六进制按数值处理，输出 0x%X
//   - 其余文本视为不透明标签，输出大写
//
// 空串返回 ok=false。广播值可写作 4294967295、0xFFFFFFFF、0xffffffff 等。
func CanonicalNID(raw string) (string, bool) {
	text := strings.ReplaceAll(strings.TrimSpace(raw), "-", "")
	if text == "" {
		return "", false
	}
	if n, ok := parseNumericNID(text); ok {
		return formatNumericNID(n), true
	}
	return strings.ToUpper(text), true
}

// CanonicalNIDPtr 规范化可空 NID，空值返回 nil
func CanonicalNIDPtr(raw *string) *string {
	if raw == nil {
		return nil
	}
	c, ok := CanonicalNID(*raw)
	if !ok {
		return nil
	}
	return &c
}

// NIDFromAny 从载荷中的任意 JSON 值提取 NID（字符串或数字）
func NIDFromAny(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return CanonicalNID(x)
	case float64:
		if x < 0 || x != float64(uint64(x)) {
			return "", false
		}
		return formatNumericNID(uint64(x)), true
	case int:
		if x < 0 {
			return "", false
		}
		return formatNumericNID(uint64(x)), true
	case int64:
		if x < 0 {
			return "", false
		}
		return formatNumericNID(uint64(x)), true
	default:
		return "", false
	}
}

// IsBroadcastNID 判断规范化后的 NID 是否为广播值
func IsBroadcastNID(canonical string) bool {
	return canonical == BroadcastNID
}

// NIDMatches NID 过滤规则：候选与消息 NID 相同，或候选为广播值。
// 消息无 NID 时不匹配（fail closed）。
func NIDMatches(candidate *string, messageNID *string) bool {
	if messageNID == nil || candidate == nil {
		return false
	}
	return *candidate == *messageNID || IsBroadcastNID(*candidate)
}

func parseNumericNID(text string) (uint64, bool) {
	if len(text) > 2 && (text[:2] == "0x" || text[:2] == "0X") {
		n, err := strconv.ParseUint(text[2:], 16, 64)
		return n, err == nil
	}
	for _, c := range text {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(text, 10, 64)
	return n, err == nil
}

func formatNumericNID(n uint64) string {
	return fmt.Sprintf("0x%X", n)
}
