// Package server 实现连接接入, 通道路由与会话注册表.
//
// 所有对注册表的修改都以 Action 的形式投递到邮箱, 由 Run 中唯一的循环
// 按到达顺序依次执行, 因此注册表本身不需要锁.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"tunneld/config"
	"tunneld/internal/logger"
	"tunneld/internal/metrics"
	"tunneld/internal/middleware"
)

const (
	mailboxSize        = 256
	acceptRetryBackoff = 100 * time.Millisecond
)

var errLoopStopped = errors.New("dispatch loop stopped")

// policy 是可在运行时热更新的配置部分.
type policy struct {
	auth    config.AuthConfig
	forward config.ForwardConfig
}

func newPolicy(cfg *config.Config) *policy {
	return &policy{auth: cfg.Auth, forward: cfg.Forward}
}

// Server 是隧道服务器.
type Server struct {
	cfg       *config.Config
	current   atomic.Pointer[policy]
	sshConfig *ssh.ServerConfig

	listener net.Listener
	registry *Registry
	mailbox  chan Action
	loopDone chan struct{}
	running  atomic.Bool
	nextID   uint64

	conns    sync.WaitGroup
	fail2ban *middleware.Fail2BanMiddleware

	log     *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Server)

// WithMetrics 启用指标. 未设置时所有指标调用都是空操作.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer 加载主机密钥并构建 ssh.ServerConfig. 密钥无法加载时返回错误.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		mailbox:  make(chan Action, mailboxSize),
		loopDone: make(chan struct{}),
		log:      logger.L(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(newPolicy(cfg))
	s.registry = NewRegistry(s.log, s.metrics)

	signers, err := loadHostKeys(cfg.Server, s.log)
	if err != nil {
		return nil, fmt.Errorf("load host keys: %w", err)
	}

	if cfg.Fail2Ban.Enabled {
		s.fail2ban, err = middleware.NewFail2BanMiddleware(middleware.Fail2BanMiddlewareConfig{
			MaxAttempts: cfg.Fail2Ban.MaxAttempts,
			FindTime:    cfg.Fail2Ban.FindTime.Duration,
			BanTime:     cfg.Fail2Ban.BanTime.Duration,
			Whitelist:   cfg.Fail2Ban.Whitelist,
		})
		if err != nil {
			return nil, fmt.Errorf("fail2ban: %w", err)
		}
	}

	s.sshConfig = &ssh.ServerConfig{
		PublicKeyCallback: s.publicKeyCallback,
		PasswordCallback:  s.passwordCallback,
		ServerVersion:     "SSH-2.0-tunneld",
	}
	for _, signer := range signers {
		s.sshConfig.AddHostKey(signer)
	}
	return s, nil
}

func (s *Server) policy() *policy {
	return s.current.Load()
}

func (s *Server) sftpEnabled() bool {
	return s.cfg.SFTP.Enabled
}

// Reload 原子地替换认证与转发策略, 对之后的认证和新通道生效.
func (s *Server) Reload(cfg *config.Config) {
	s.current.Store(newPolicy(cfg))
	s.log.Info("配置已重新加载",
		"password_auth", cfg.Auth.Password,
		"users", len(cfg.Auth.Users),
		"permitted_targets", len(cfg.Forward.PermittedTargets))
}

// Listen 绑定监听地址. 在 Run 之前调用可以提前发现端口占用.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("无法监听地址 %s: %w", addr, err)
	}
	s.listener = listener
	return nil
}

// Addr 返回实际监听的地址. Listen 之前返回 nil.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run 运行调度循环, 同时等待关停信号, 新连接与邮箱动作, 直到 ctx 结束.
// 进行中的连接不会被强制结束, 可用 Wait 等待它们.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	defer close(s.loopDone)
	defer s.listener.Close()
	if s.fail2ban != nil {
		defer s.fail2ban.Close()
	}

	accepted := make(chan net.Conn)
	go s.acceptLoop(accepted)

	s.log.Info("开始监听", "addr", s.listener.Addr().String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("停止接受新连接")
			return nil

		case nc := <-accepted:
			s.nextID++
			id := s.nextID
			connCtx, err := s.registry.RegisterSession(id)
			if err != nil {
				s.log.Error("登记会话失败", "conn_id", id, "error", err)
				nc.Close()
				continue
			}
			s.metrics.ConnectionAccepted()
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.runConnection(connCtx, id, nc)
			}()

		case a := <-s.mailbox:
			s.registry.Apply(a)
		}
	}
}

// acceptLoop 把新连接交给调度循环. 监听器关闭后退出.
func (s *Server) acceptLoop(out chan<- net.Conn) {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("接受连接失败", "error", err)
			select {
			case <-time.After(acceptRetryBackoff):
				continue
			case <-s.loopDone:
				return
			}
		}
		select {
		case out <- nc:
		case <-s.loopDone:
			nc.Close()
			return
		}
	}
}

// post 向邮箱投递动作. 调度循环已停止时返回 false, 动作被丢弃.
func (s *Server) post(a Action) bool {
	select {
	case s.mailbox <- a:
		return true
	case <-s.loopDone:
		return false
	}
}

// request 投递一个需要应答的动作并等待结果.
func (s *Server) request(ctx context.Context, a Action) (Reply, error) {
	reply := make(chan Reply, 1)
	a.Reply = reply
	if !s.post(a) {
		return Reply{}, errLoopStopped
	}
	select {
	case rep := <-reply:
		return rep, rep.Err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-s.loopDone:
		// 循环可能在退出前刚好处理了这个动作
		select {
		case rep := <-reply:
			return rep, rep.Err
		default:
			return Reply{}, errLoopStopped
		}
	}
}

func (s *Server) takeChannel(ctx context.Context, session uint64, channel uint32) (*Channel, error) {
	rep, err := s.request(ctx, Action{Kind: ActionTakeChannel, Session: session, Channel: channel})
	if err != nil {
		return nil, err
	}
	return rep.Channel, nil
}

// Stats 通过邮箱查询注册表的规模.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	rep, err := s.request(ctx, Action{Kind: ActionStats})
	return rep.Stats, err
}

// RemoveSession 投递一次强制的会话移除. 会话已结束时是无害的空操作.
func (s *Server) RemoveSession(id uint64) bool {
	return s.post(Action{Kind: ActionRemoveSession, Session: id})
}

// Wait 等待所有连接结束, 或 ctx 结束.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
