package server

import (
	"context"
	"errors"
	"log/slog"

	"tunneld/internal/metrics"
)

var (
	ErrSessionExists  = errors.New("session already registered")
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrChannelBound   = errors.New("channel already bound")
)

// ChannelKey 定位一个通道. 通道 ID 只在所属连接内唯一.
type ChannelKey struct {
	Session uint64
	Channel uint32
}

type ActionKind int

const (
	ActionRegisterSession ActionKind = iota
	ActionStoreChannel
	ActionTakeChannel
	ActionRemoveChannel
	ActionRemoveSession
	ActionStats
)

func (k ActionKind) String() string {
	switch k {
	case ActionRegisterSession:
		return "register-session"
	case ActionStoreChannel:
		return "store-channel"
	case ActionTakeChannel:
		return "take-channel"
	case ActionRemoveChannel:
		return "remove-channel"
	case ActionRemoveSession:
		return "remove-session"
	case ActionStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Action 是投递给注册表的一次修改请求.
// 需要结果的动作 (register, take, stats) 通过 Reply 返回.
// Reply 应当带缓冲, 否则在无人接收时应答会被丢弃.
type Action struct {
	Kind    ActionKind
	Session uint64
	Channel uint32
	Ref     *Channel
	Reply   chan<- Reply
}

type Reply struct {
	Ctx     context.Context
	Channel *Channel
	Stats   Stats
	Err     error
}

// Stats 是注册表当前的规模.
type Stats struct {
	Sessions int
	Channels int
}

// Registry 是进程级的会话与通道表.
// 它没有锁: 所有方法只能在消费邮箱的那一个 goroutine 中调用.
type Registry struct {
	sessions map[uint64]context.CancelFunc
	channels map[ChannelKey]*Channel
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[uint64]context.CancelFunc),
		channels: make(map[ChannelKey]*Channel),
		log:      log,
		metrics:  m,
	}
}

// RegisterSession 登记一个连接并返回它的上下文; 取消句柄由注册表持有.
// 连接上下文不继承关停信号, 进行中的连接在服务停止后自行结束.
func (r *Registry) RegisterSession(id uint64) (context.Context, error) {
	if _, ok := r.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.sessions[id] = cancel
	r.observe()
	return ctx, nil
}

// StoreChannel 保存通道引用以便之后取回. 会话已不存在时关闭该通道.
func (r *Registry) StoreChannel(session uint64, channel uint32, ref *Channel) error {
	if _, ok := r.sessions[session]; !ok {
		if ref != nil {
			go ref.Close()
		}
		return ErrUnknownSession
	}
	r.channels[ChannelKey{session, channel}] = ref
	r.observe()
	return nil
}

// TakeChannel 移除并返回保存的通道. 从未保存或已被取走时返回 nil.
func (r *Registry) TakeChannel(session uint64, channel uint32) *Channel {
	key := ChannelKey{session, channel}
	ref, ok := r.channels[key]
	if !ok {
		return nil
	}
	delete(r.channels, key)
	r.observe()
	return ref
}

// RemoveChannel 丢弃通道引用. 不存在时什么也不做.
func (r *Registry) RemoveChannel(session uint64, channel uint32) {
	key := ChannelKey{session, channel}
	if _, ok := r.channels[key]; !ok {
		return
	}
	delete(r.channels, key)
	r.observe()
}

// RemoveSession 取消会话并释放它的所有通道. 重复调用或会话已结束都是无害的.
func (r *Registry) RemoveSession(id uint64) bool {
	cancel, ok := r.sessions[id]
	if !ok {
		return false
	}
	cancel()
	delete(r.sessions, id)
	for key, ref := range r.channels {
		if key.Session != id {
			continue
		}
		delete(r.channels, key)
		if ref != nil {
			// 关闭通道需要写入传输层, 不能阻塞邮箱循环
			go ref.Close()
		}
	}
	r.observe()
	return true
}

func (r *Registry) Stats() Stats {
	return Stats{Sessions: len(r.sessions), Channels: len(r.channels)}
}

// Apply 执行一个邮箱动作.
func (r *Registry) Apply(a Action) {
	var rep Reply
	switch a.Kind {
	case ActionRegisterSession:
		rep.Ctx, rep.Err = r.RegisterSession(a.Session)
	case ActionStoreChannel:
		rep.Err = r.StoreChannel(a.Session, a.Channel, a.Ref)
	case ActionTakeChannel:
		rep.Channel = r.TakeChannel(a.Session, a.Channel)
		if rep.Channel == nil {
			rep.Err = ErrUnknownChannel
		}
	case ActionRemoveChannel:
		r.RemoveChannel(a.Session, a.Channel)
	case ActionRemoveSession:
		if r.RemoveSession(a.Session) {
			r.log.Debug("会话已移除", "conn_id", a.Session)
		}
	case ActionStats:
		rep.Stats = r.Stats()
	}

	if rep.Err != nil {
		r.log.Debug("邮箱动作未生效", "action", a.Kind.String(), "conn_id", a.Session, "channel_id", a.Channel, "error", rep.Err)
	}
	if a.Reply != nil {
		select {
		case a.Reply <- rep:
		default:
			r.log.Warn("邮箱应答被丢弃", "action", a.Kind.String(), "conn_id", a.Session)
		}
	}
}

func (r *Registry) observe() {
	r.metrics.SetActive(len(r.sessions), len(r.channels))
}
