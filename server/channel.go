package server

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"tunneld/internal/sftpd"
)

type channelState int

const (
	// unbound: 入站数据交给路由器的回显逻辑
	unbound channelState = iota
	// bound: 入站数据全部交给 sftp 引擎
	bound
)

func (s channelState) String() string {
	if s == bound {
		return "bound"
	}
	return "unbound"
}

var errChannelClosed = errors.New("channel closed")

// Channel 是连接内的一个逻辑通道.
// 状态只能从 unbound 单向迁移到 bound.
type Channel struct {
	ID      uint32
	Session uint64
	Type    string

	ch ssh.Channel

	mu      sync.Mutex
	state   channelState
	handler *sftpd.Handler
	sink    *io.PipeWriter
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func newChannel(session uint64, id uint32, channelType string, ch ssh.Channel) *Channel {
	return &Channel{ID: id, Session: session, Type: channelType, ch: ch}
}

func (c *Channel) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == bound
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Bind 把通道交给 sftp 处理器, 返回供引擎读写的字节流.
// 之后的入站数据不再经过回显逻辑.
func (c *Channel) Bind(h *sftpd.Handler) (io.ReadWriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errChannelClosed
	}
	if c.state == bound {
		return nil, ErrChannelBound
	}

	pr, pw := io.Pipe()
	c.state = bound
	c.handler = h
	c.sink = pw
	return &boundStream{pr: pr, c: c}, nil
}

// deliver 将入站数据交给已绑定的引擎. 未绑定时返回 false, 由调用方处理.
func (c *Channel) deliver(data []byte) bool {
	c.mu.Lock()
	sink := c.sink
	state := c.state
	c.mu.Unlock()

	if state != bound {
		return false
	}
	// 引擎已退出时丢弃剩余数据
	sink.Write(data)
	return true
}

// inputDone 处理对端的 EOF: 已绑定的通道让引擎读到 EOF 后自行收尾, 未绑定的直接关闭.
func (c *Channel) inputDone() {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.Close()
		return
	}
	c.Close()
}

// Write 向对端发送数据. 通道关闭后返回错误.
func (c *Channel) Write(p []byte) (int, error) {
	if c.Closed() {
		return 0, errChannelClosed
	}
	return c.ch.Write(p)
}

// Close 关闭通道并释放绑定的处理器. 可重复调用.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sink, h := c.sink, c.handler
		c.mu.Unlock()

		if sink != nil {
			sink.Close()
		}
		if h != nil {
			h.Release()
		}
		if err := c.ch.Close(); err != nil && !errors.Is(err, io.EOF) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// boundStream 是 sftp 引擎看到的双工流: 读取管道中的入站数据, 直接写回通道.
type boundStream struct {
	pr *io.PipeReader
	c  *Channel
}

func (s *boundStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *boundStream) Write(p []byte) (int, error) {
	return s.c.Write(p)
}

func (s *boundStream) Close() error {
	s.pr.Close()
	return s.c.Close()
}
