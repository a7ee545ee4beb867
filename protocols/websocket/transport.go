package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/audiobridge/pkg/interfaces"
)

var _ interfaces.TransportProtocol = (*WSProtocol)(nil)

const writeTimeout = 10 * time.Second

type WSProtocol struct {
	conn      *websocket.Conn
	config    Config
	msgChan   chan interfaces.Message
	closeChan chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

// Config 定义websocket特有的配置
type Config struct {
	Server struct {
		URL             string
		ProtocolVersion int
	}
	Auth struct {
		AccessToken string
	}
	Device struct {
		ID       string
		ClientID string
	}
	// HandshakeTimeout 为 0 时使用 gorilla 默认值
	HandshakeTimeout time.Duration
}

func NewWebSocketProtocol(config Config) (*WSProtocol, error) {
	if config.Server.URL == "" {
		return nil, fmt.Errorf("%w: empty websocket url", interfaces.ErrConnectionFailed)
	}
	u, err := url.Parse(config.Server.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrUnsupportedProtocol, u.Scheme)
	}
	return &WSProtocol{
		config:    config,
		msgChan:   make(chan interfaces.Message, 100),
		closeChan: make(chan struct{}),
	}, nil
}

func (p *WSProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	headers := http.Header{}
	if p.config.Auth.AccessToken != "" {
		headers.Set("Authorization", fmt.Sprintf("Bearer %s", p.config.Auth.AccessToken))
	}
	headers.Set("Protocol-Version", fmt.Sprintf("%d", p.config.Server.ProtocolVersion))
	if p.config.Device.ID != "" {
		headers.Set("Device-Id", p.config.Device.ID)
	}
	if p.config.Device.ClientID != "" {
		headers.Set("Client-Id", p.config.Device.ClientID)
	}

	dialer := *websocket.DefaultDialer
	if p.config.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = p.config.HandshakeTimeout
	}
	conn, _, err := dialer.DialContext(ctx, p.config.Server.URL, headers)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}
	p.conn = conn

	go p.readPump(conn)
	return nil
}

// readPump 连接断开时关闭 msgChan
func (p *WSProtocol) readPump(conn *websocket.Conn) {
	defer close(p.msgChan)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case p.msgChan <- interfaces.Message{
			Payload: data,
			Type:    convertMsgType(msgType),
		}:
		case <-p.closeChan:
			return
		}
	}
}

func convertMsgType(wsType int) interfaces.MessageType {
	switch wsType {
	case websocket.TextMessage:
		return interfaces.MsgText
	case websocket.BinaryMessage:
		return interfaces.MsgBinary
	default:
		return interfaces.MsgControl
	}
}

func (p *WSProtocol) Send(data []byte, msgType interfaces.MessageType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return interfaces.ErrConnectionFailed
	}

	wsType := websocket.TextMessage
	if msgType == interfaces.MsgBinary {
		wsType = websocket.BinaryMessage
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(wsType, data)
}

func (p *WSProtocol) Receive() <-chan interfaces.Message {
	return p.msgChan
}

func (p *WSProtocol) ProtocolType() string { return "websocket" }

// Close 可重复调用
func (p *WSProtocol) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeChan)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.conn != nil {
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = p.conn.Close()
		}
	})
	return err
}
