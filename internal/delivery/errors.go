package delivery

import (
	"errors"
	"fmt"
)

// ErrBreakerOpen 目标主机熔断中，请求未发出
var ErrBreakerOpen = errors.New("circuit breaker open")

// DeliveryError 一次失败的 webhook 投递；StatusCode=0 表示未收到响应
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("webhook responded %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook request failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
