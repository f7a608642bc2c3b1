package server

import (
	"context"
	"net"
	"runtime/debug"
	"time"

	"golang.org/x/crypto/ssh"
)

// idleConn 在每次读取前刷新读超时, 超过 timeout 没有入站数据的连接会被关闭.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func newIdleConn(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// runConnection 运行一个连接直到结束.
// 第一个 defer 最后执行: 无论连接如何结束, 都会向邮箱投递 remove-session.
func (s *Server) runConnection(ctx context.Context, id uint64, nc net.Conn) {
	defer s.post(Action{Kind: ActionRemoveSession, Session: id})
	defer nc.Close()

	log := s.log.With("conn_id", id, "remote", nc.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			log.Error("处理连接时发生 panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(newIdleConn(nc, s.cfg.Server.InactivityTimeout.Duration), s.sshConfig)
	if err != nil {
		log.Debug("ssh 握手失败", "error", err)
		return
	}
	defer sshConn.Close()

	// 注册表取消会话时强制关闭连接
	stop := context.AfterFunc(ctx, func() { sshConn.Close() })
	defer stop()

	log.Info("新连接",
		"user", sshConn.User(),
		"client_version", string(sshConn.ClientVersion()),
		"auth_method", permissionExt(sshConn.Permissions, extAuthMethod))

	router := newRouter(s, id, sshConn, log)
	go router.HandleGlobalRequests(reqs)
	router.Serve(ctx, chans)

	log.Info("连接关闭")
}

func permissionExt(p *ssh.Permissions, key string) string {
	if p == nil || p.Extensions == nil {
		return ""
	}
	return p.Extensions[key]
}
