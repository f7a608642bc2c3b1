package middleware

import (
	"net"
)

// 认证方式名称, 与 ssh 协议中的 method 字段一致.
const (
	MethodPublicKey   = "publickey"
	MethodCertificate = "certificate"
	MethodPassword    = "password"
)

// AuthContext 存储一次认证尝试的上下文信息, 在中间件与核心认证处理器之间传递.
type AuthContext struct {
	User          string   // 尝试登录的用户名
	RemoteAddr    net.Addr // 客户端的网络地址
	AuthMethod    string   // publickey, certificate, password
	SessionID     []byte
	ClientVersion []byte
	// 用于中间件存储自定义数据, 不是并发安全的
	customData map[string]any
	isAborted  bool
	err        error
}

// NewAuthContext 创建一个新的 AuthContext 实例.
func NewAuthContext(user string, remoteAddr net.Addr, authMethod string) *AuthContext {
	return &AuthContext{
		User:       user,
		RemoteAddr: remoteAddr,
		AuthMethod: authMethod,
		customData: make(map[string]any),
	}
}

// Set 将自定义数据存入上下文.
func (c *AuthContext) Set(key string, value any) {
	if c.customData == nil {
		c.customData = make(map[string]any)
	}
	c.customData[key] = value
}

// Get 从上下文中获取自定义数据.
func (c *AuthContext) Get(key string) (any, bool) {
	value, exists := c.customData[key]
	return value, exists
}

// Abort 标记处理链终止.
func (c *AuthContext) Abort() {
	c.isAborted = true
}

// AbortWithError 标记处理链终止并记录错误.
func (c *AuthContext) AbortWithError(err error) {
	c.err = err
	c.Abort()
}

func (c *AuthContext) IsAborted() bool {
	return c.isAborted
}

func (c *AuthContext) Error() error {
	return c.err
}

// Permissions 是认证成功后授予连接的信息, 最终映射为 ssh.Permissions.
type Permissions struct {
	// Extensions 原样写入 ssh.Permissions.Extensions
	Extensions map[string]string
}

// AuthHandlerFunc 是核心认证逻辑的函数签名.
type AuthHandlerFunc func(*AuthContext) (*Permissions, error)

// MiddlewareFunc 包装下一个处理器.
type MiddlewareFunc func(AuthHandlerFunc) AuthHandlerFunc

// Chain 将一组中间件与核心处理函数链接起来.
// middlewares 中的第一个最先执行, 最后一个紧挨着核心处理函数.
func Chain(finalHandler AuthHandlerFunc, middlewares ...MiddlewareFunc) AuthHandlerFunc {
	if finalHandler == nil {
		finalHandler = func(ctx *AuthContext) (*Permissions, error) {
			if ctx.IsAborted() {
				return nil, ctx.Error()
			}
			return nil, nil
		}
	}

	chainedHandler := finalHandler
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		chainedHandler = middlewares[i](chainedHandler)
	}
	return chainedHandler
}
