// Package metrics 导出 tunneld 的 Prometheus 指标.
//
// 所有方法都允许 nil 接收者, 因此未启用指标时传入 nil *Metrics 即可,
// 调用方无需判断.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总连接, 通道, sftp 操作与认证相关的指标.
type Metrics struct {
	// ConnectionsTotal 已接受的连接数.
	ConnectionsTotal prometheus.Counter

	// ActiveSessions 注册表中的会话数.
	ActiveSessions prometheus.Gauge

	// ActiveChannels 注册表中保存的通道数.
	ActiveChannels prometheus.Gauge

	// ChannelsTotal 按通道类型与结果统计的打开请求.
	// Labels: type=[session, direct-tcpip, other], result=[accepted, rejected]
	ChannelsTotal *prometheus.CounterVec

	// SFTPOps 按操作与状态码统计的 sftp 请求.
	SFTPOps *prometheus.CounterVec

	// SFTPBytes 按方向统计的 sftp 传输字节数.
	// Labels: direction=[read, write]
	SFTPBytes *prometheus.CounterVec

	// AuthAttempts 按认证方式与结果统计.
	AuthAttempts *prometheus.CounterVec
}

// New 创建并向 reg 注册指标. reg 为 nil 时使用 prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_connections_total",
			Help: "Total accepted transport connections",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunneld_active_sessions",
			Help: "Sessions currently held by the session registry",
		}),
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunneld_active_channels",
			Help: "Channels currently held by the session registry",
		}),
		ChannelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_channel_opens_total",
			Help: "Channel open requests by type and result",
		}, []string{"type", "result"}),
		SFTPOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_sftp_operations_total",
			Help: "SFTP operations by operation and status",
		}, []string{"op", "status"}),
		SFTPBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_sftp_bytes_total",
			Help: "SFTP payload bytes by direction",
		}, []string{"direction"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_auth_attempts_total",
			Help: "Authentication attempts by method and result",
		}, []string{"method", "result"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ActiveSessions,
		m.ActiveChannels,
		m.ChannelsTotal,
		m.SFTPOps,
		m.SFTPBytes,
		m.AuthAttempts,
	)
	return m
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
}

// SetActive 记录注册表当前的规模.
func (m *Metrics) SetActive(sessions, channels int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(sessions))
	m.ActiveChannels.Set(float64(channels))
}

func (m *Metrics) ChannelOpen(channelType string, accepted bool) {
	if m == nil {
		return
	}
	switch channelType {
	case "session", "direct-tcpip":
	default:
		channelType = "other"
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.ChannelsTotal.WithLabelValues(channelType, result).Inc()
}

func (m *Metrics) SFTPOp(op, status string) {
	if m == nil {
		return
	}
	m.SFTPOps.WithLabelValues(op, status).Inc()
}

func (m *Metrics) SFTPRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SFTPBytes.WithLabelValues("read").Add(float64(n))
}

func (m *Metrics) SFTPWrite(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SFTPBytes.WithLabelValues("write").Add(float64(n))
}

func (m *Metrics) Auth(method string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.AuthAttempts.WithLabelValues(method, result).Inc()
}

// Serve 在 addr 上暴露 /metrics, 直到 ctx 结束.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
