// Package interfaces 定义桥连接使用的传输层抽象
package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrConnectionFailed 建连失败或尚未连接
	ErrConnectionFailed = errors.New("connection failed")
	// ErrUnsupportedProtocol 地址的协议不被传输实现支持
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// TransportProtocol 面向消息的双向连接。
// Receive 返回的通道在连接断开时关闭。
type TransportProtocol interface {
	Connect(ctx context.Context) error
	Send(data []byte, msgType MessageType) error
	Receive() <-chan Message
	Close() error
	ProtocolType() string
}

type Message struct {
	Payload []byte
	Type    MessageType
}

type MessageType int

const (
	MsgText    MessageType = iota // JSON文本
	MsgBinary                     // 二进制数据
	MsgControl                    // 控制帧
)
