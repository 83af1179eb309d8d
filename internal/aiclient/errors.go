package aiclient

import (
	"errors"
	"fmt"
)

var (
	ErrConfig           = errors.New("invalid configuration")
	ErrConnection       = errors.New("connection failed")
	ErrDevice           = errors.New("media device unavailable")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connecting or connected")
	ErrDisconnected     = errors.New("disconnected by client")
	ErrSetupTimeout     = errors.New("timed out waiting for setup acknowledgement")
)

// ConfigError 连接参数缺失或非法，在任何传输尝试之前返回
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ConnectionError 传输层失败，包括等待setup确认超时
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// DeviceError 媒体设备获取失败，不影响线上连接
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// NotConnectedError 非 open 状态下尝试发送
type NotConnectedError struct {
	Op    string
	State ConnectionState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s: not connected (state=%s)", e.Op, e.State)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }
