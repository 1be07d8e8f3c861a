package coremodel

import (
	"errors"
	"fmt"
)

// 核心错误分类，调用方使用 errors.Is 判定
var (
	// ErrValidation 入口参数不合法（路由开始之前暴露）
	ErrValidation = errors.New("validation error")
	// ErrInfrastructure 存储不可用等基础设施错误，可重试
	ErrInfrastructure = errors.New("infrastructure error")
	// ErrInvalidState 非法的收件箱状态迁移，客户端错误，不重试
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound 引用的设备/消息/条目不存在
	ErrNotFound = errors.New("not found")
)

// Infra 将底层错误包装为基础设施错误；nil 原样返回
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInfrastructure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}

// NotFound 构造带上下文的 not found 错误
func NotFound(what string, key any) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, what, key)
}

// IsRetryable 基础设施错误可重试，其余不可
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInfrastructure)
}
