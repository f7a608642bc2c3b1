package server

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/ssh"
)

const forwardDialTimeout = 10 * time.Second

// directTCPIPPayload 是 RFC 4254 7.2 中 direct-tcpip 的附加数据.
type directTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// permitted 报告 target ("host:port") 是否匹配任一允许的模式.
func permitted(patterns []string, target string) bool {
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, target)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// handleDirectTCPIP 建立到允许目标的 TCP 隧道.
func (r *Router) handleDirectTCPIP(ctx context.Context, nc ssh.NewChannel) {
	var p directTCPIPPayload
	if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
		r.srv.metrics.ChannelOpen("direct-tcpip", false)
		nc.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	target := net.JoinHostPort(p.DestAddr, strconv.FormatUint(uint64(p.DestPort), 10))
	log := r.log.With("target", target, "origin", net.JoinHostPort(p.OriginAddr, strconv.FormatUint(uint64(p.OriginPort), 10)))

	if !permitted(r.srv.policy().forward.PermittedTargets, target) {
		log.Info("拒绝不在允许列表中的转发目标")
		r.srv.metrics.ChannelOpen("direct-tcpip", false)
		nc.Reject(ssh.Prohibited, "target not permitted: "+target)
		return
	}

	dialer := net.Dialer{Timeout: forwardDialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Warn("连接转发目标失败", "error", err)
		r.srv.metrics.ChannelOpen("direct-tcpip", false)
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer upstream.Close()

	ch, reqs, err := nc.Accept()
	if err != nil {
		log.Warn("接受通道失败", "error", err)
		r.srv.metrics.ChannelOpen("direct-tcpip", false)
		return
	}
	go ssh.DiscardRequests(reqs)
	r.srv.metrics.ChannelOpen("direct-tcpip", true)

	c := newChannel(r.id, r.allocChannelID(), "direct-tcpip", ch)
	r.track(c)
	defer r.untrack(c)
	defer c.Close()
	log.Debug("转发隧道已建立", "channel_id", c.ID)

	// 连接结束时目标端可能仍保持打开, 由上下文负责拆除
	stop := context.AfterFunc(ctx, func() {
		upstream.Close()
		c.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, ch)
		if tcp, ok := upstream.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(ch, upstream)
		ch.CloseWrite()
	}()
	wg.Wait()
}
