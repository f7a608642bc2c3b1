package middleware

import (
	"fmt"
	"net"
	"sync"
	"time"

	"tunneld/internal/logger"
)

// LoginAttempt 记录一个地址在时间窗口内的失败次数.
type LoginAttempt struct {
	Timestamp time.Time
	Count     int
}

const (
	DefaultMaxAttempts = 5
	DefaultFindTime    = 10 * time.Minute
	DefaultBanTime     = 30 * time.Minute

	cleanupInterval = 5 * time.Minute
)

// Fail2BanMiddlewareConfig 配置 Fail2Ban 中间件.
type Fail2BanMiddlewareConfig struct {
	MaxAttempts int           // 被禁止前允许的失败次数
	FindTime    time.Duration // 统计失败次数的时间窗口
	BanTime     time.Duration // 禁止时长
	Whitelist   []string      // CIDR 白名单, 例如 "192.168.1.0/24"
}

// Fail2BanMiddleware 在同一地址多次认证失败后暂时拒绝其所有认证.
type Fail2BanMiddleware struct {
	config            Fail2BanMiddlewareConfig
	whitelistNetworks []*net.IPNet
	failedAttempts    map[string]*LoginAttempt // IP -> 失败记录
	bannedIPs         map[string]time.Time     // IP -> 解封时间
	mu                sync.RWMutex
	now               func() time.Time
	done              chan struct{}
	closeOnce         sync.Once
}

// NewFail2BanMiddleware 创建中间件并启动后台清理. 调用方负责 Close.
func NewFail2BanMiddleware(config Fail2BanMiddlewareConfig) (*Fail2BanMiddleware, error) {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.FindTime <= 0 {
		config.FindTime = DefaultFindTime
	}
	if config.BanTime <= 0 {
		config.BanTime = DefaultBanTime
	}

	var parsedNetworks []*net.IPNet
	for _, cidr := range config.Whitelist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR in whitelist '%s': %w", cidr, err)
		}
		parsedNetworks = append(parsedNetworks, ipNet)
	}

	fm := &Fail2BanMiddleware{
		config:            config,
		whitelistNetworks: parsedNetworks,
		failedAttempts:    make(map[string]*LoginAttempt),
		bannedIPs:         make(map[string]time.Time),
		now:               time.Now,
		done:              make(chan struct{}),
	}

	go fm.cleanupRoutine(cleanupInterval)
	return fm, nil
}

// Close 停止后台清理.
func (fm *Fail2BanMiddleware) Close() {
	fm.closeOnce.Do(func() { close(fm.done) })
}

func (fm *Fail2BanMiddleware) isWhitelisted(ip net.IP) bool {
	for _, network := range fm.whitelistNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// IsBanned 报告 ip 当前是否处于禁止期.
func (fm *Fail2BanMiddleware) IsBanned(ip string) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	until, ok := fm.bannedIPs[ip]
	return ok && fm.now().Before(until)
}

// Handler 返回应用 fail2ban 逻辑的 MiddlewareFunc.
func (fm *Fail2BanMiddleware) Handler() MiddlewareFunc {
	return func(next AuthHandlerFunc) AuthHandlerFunc {
		return func(ctx *AuthContext) (*Permissions, error) {
			clientIP := ipFromAddr(ctx.RemoteAddr)
			if clientIP == nil || fm.isWhitelisted(clientIP) {
				return next(ctx)
			}
			ipStr := clientIP.String()

			fm.mu.RLock()
			unbanTime, isBanned := fm.bannedIPs[ipStr]
			fm.mu.RUnlock()

			if isBanned {
				if fm.now().Before(unbanTime) {
					ctx.AbortWithError(fmt.Errorf("IP address %s is temporarily banned due to too many failed login attempts", ipStr))
					return nil, ctx.Error()
				}
				fm.mu.Lock()
				delete(fm.bannedIPs, ipStr)
				fm.mu.Unlock()
			}

			permissions, err := next(ctx)

			authFailed := (err != nil && permissions == nil) || (ctx.IsAborted() && ctx.Error() != nil)
			if authFailed {
				fm.recordFailure(ipStr)
			} else if permissions != nil && err == nil {
				fm.mu.Lock()
				delete(fm.failedAttempts, ipStr)
				fm.mu.Unlock()
			}

			return permissions, err
		}
	}
}

func (fm *Fail2BanMiddleware) recordFailure(ipStr string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	now := fm.now()
	attempt, exists := fm.failedAttempts[ipStr]
	if !exists || now.Sub(attempt.Timestamp) > fm.config.FindTime {
		attempt = &LoginAttempt{Timestamp: now, Count: 1}
		fm.failedAttempts[ipStr] = attempt
	} else {
		attempt.Count++
		attempt.Timestamp = now
	}

	if attempt.Count >= fm.config.MaxAttempts {
		fm.bannedIPs[ipStr] = now.Add(fm.config.BanTime)
		delete(fm.failedAttempts, ipStr)
		logger.Warn("地址因多次认证失败被禁止", "ip", ipStr, "ban_time", fm.config.BanTime)
	}
}

// cleanupRoutine 定期清理过期的禁止记录与失败记录.
func (fm *Fail2BanMiddleware) cleanupRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-fm.done:
			return
		case <-ticker.C:
			fm.cleanup()
		}
	}
}

func (fm *Fail2BanMiddleware) cleanup() {
	now := fm.now()
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for ip, unbanTime := range fm.bannedIPs {
		if now.After(unbanTime) {
			delete(fm.bannedIPs, ip)
		}
	}
	for ip, attempt := range fm.failedAttempts {
		if now.Sub(attempt.Timestamp) > fm.config.FindTime {
			delete(fm.failedAttempts, ip)
		}
	}
}

// ipFromAddr 从 net.Addr 中提取 IP. ssh.ConnMetadata.RemoteAddr 通常是 *net.TCPAddr.
func ipFromAddr(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	return nil
}
