package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

const (
	// etx 单独出现时表示对端要求断开连接
	etx byte = 0x03

	subsystemSFTP = "sftp"
)

// Router 处理一个连接上的全部通道事件.
type Router struct {
	srv  *Server
	id   uint64
	conn ssh.Conn
	log  *slog.Logger

	nextChannel atomic.Uint32
	wg          sync.WaitGroup
}

func newRouter(srv *Server, id uint64, conn ssh.Conn, log *slog.Logger) *Router {
	return &Router{srv: srv, id: id, conn: conn, log: log}
}

// Serve 分发新通道, 直到连接关闭且所有通道处理完毕.
func (r *Router) Serve(ctx context.Context, chans <-chan ssh.NewChannel) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handleSession(ctx, nc)
			}()
		case "direct-tcpip":
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handleDirectTCPIP(ctx, nc)
			}()
		default:
			r.log.Debug("拒绝未知通道类型", "type", nc.ChannelType())
			r.srv.metrics.ChannelOpen(nc.ChannelType(), false)
			nc.Reject(ssh.UnknownChannelType, "unknown channel type: "+nc.ChannelType())
		}
	}
	// 连接已关闭, 通知仍在运行的通道
	cancel()
	r.wg.Wait()
}

// HandleGlobalRequests 只应答 keepalive, 其余全局请求一律拒绝.
func (r *Router) HandleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		ok := req.Type == "keepalive@openssh.com"
		if !ok {
			r.log.Debug("拒绝全局请求", "type", req.Type)
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

func (r *Router) allocChannelID() uint32 {
	return r.nextChannel.Add(1)
}

// track 在注册表中记录通道.
func (r *Router) track(c *Channel) {
	r.srv.post(Action{Kind: ActionStoreChannel, Session: r.id, Channel: c.ID, Ref: c})
}

func (r *Router) untrack(c *Channel) {
	r.srv.post(Action{Kind: ActionRemoveChannel, Session: r.id, Channel: c.ID})
}

func (r *Router) handleSession(ctx context.Context, nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		r.log.Warn("接受通道失败", "error", err)
		r.srv.metrics.ChannelOpen("session", false)
		return
	}
	r.srv.metrics.ChannelOpen("session", true)

	c := newChannel(r.id, r.allocChannelID(), "session", ch)
	log := r.log.With("channel_id", c.ID)
	log.Debug("会话通道已打开")
	r.track(c)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		r.pump(c, log)
	}()

	for req := range reqs {
		switch req.Type {
		case "subsystem":
			r.onSubsystem(ctx, c, req, log)
		case "shell", "pty-req", "env", "window-change":
			// 原始通道以回显充当 shell
			replyRequest(req, !c.Bound())
		default:
			log.Debug("拒绝通道请求", "type", req.Type)
			replyRequest(req, false)
		}
	}

	// 请求通道关闭意味着通道已被关闭
	r.untrack(c)
	c.Close()
	<-pumpDone
	log.Debug("会话通道已关闭")
}

// pump 读取入站数据并交给绑定的引擎或回显逻辑.
func (r *Router) pump(c *Channel, log *slog.Logger) {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.ch.Read(buf)
		if n > 0 {
			data := buf[:n]
			if !c.deliver(data) {
				r.onData(c, data, log)
			}
		}
		if err != nil {
			c.inputDone()
			return
		}
	}
}

func (r *Router) onData(c *Channel, data []byte, log *slog.Logger) {
	if len(data) == 1 && data[0] == etx {
		log.Info("收到 ETX, 断开连接")
		r.disconnect()
		return
	}
	if _, err := c.Write(data); err != nil {
		log.Debug("回显失败", "error", err)
	}
}

// onSubsystem 处理子系统请求. 只有 sftp 会被接受, 且每个通道只能升级一次.
func (r *Router) onSubsystem(ctx context.Context, c *Channel, req *ssh.Request, log *slog.Logger) {
	var payload struct{ Name string }
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		log.Debug("子系统请求格式错误", "error", err)
		replyRequest(req, false)
		return
	}
	if payload.Name != subsystemSFTP || !r.srv.sftpEnabled() {
		log.Info("拒绝子系统请求", "subsystem", payload.Name)
		replyRequest(req, false)
		return
	}

	// 从注册表取回通道的所有权; 邮箱循环已停止时退回到本地持有的引用
	owned, err := r.srv.takeChannel(ctx, r.id, c.ID)
	switch {
	case errors.Is(err, errLoopStopped):
		owned = c
	case err != nil:
		log.Warn("通道已不在注册表中, 拒绝升级", "error", err)
		replyRequest(req, false)
		return
	}

	if err := r.startSFTP(owned, log); err != nil {
		log.Warn("启动 sftp 失败", "error", err)
		r.track(owned)
		replyRequest(req, false)
		return
	}
	r.track(owned)
	replyRequest(req, true)
}

// disconnect 关闭整个连接, 所有通道随之结束.
func (r *Router) disconnect() {
	r.conn.Close()
}

func replyRequest(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}
