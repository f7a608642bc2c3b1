package server

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	"tunneld/internal/middleware"
	"tunneld/internal/passwd"
)

var errAuthRejected = errors.New("authentication rejected")

// 写入 ssh.Permissions.Extensions 的键.
const (
	extAuthMethod  = "auth-method"
	extFingerprint = "pubkey-fp"
	extCertKeyID   = "cert-key-id"
)

// authMiddlewares 返回认证中间件. 延迟在最外层, 被封禁的尝试同样会被延迟.
func (s *Server) authMiddlewares() []middleware.MiddlewareFunc {
	mws := []middleware.MiddlewareFunc{
		middleware.RejectionDelay(s.cfg.Server.RejectionTime.Duration),
	}
	if s.fail2ban != nil {
		mws = append(mws, s.fail2ban.Handler())
	}
	return mws
}

// authenticate 让一次认证尝试经过中间件链, 并把结果转换为 ssh.Permissions.
func (s *Server) authenticate(actx *middleware.AuthContext, core middleware.AuthHandlerFunc) (*ssh.Permissions, error) {
	perms, err := middleware.Chain(core, s.authMiddlewares()...)(actx)
	ok := err == nil && perms != nil
	s.metrics.Auth(actx.AuthMethod, ok)

	log := s.log.With("user", actx.User, "remote", actx.RemoteAddr.String(), "method", actx.AuthMethod)
	if !ok {
		if err == nil {
			err = errAuthRejected
		}
		log.Info("认证失败", "error", err)
		return nil, err
	}
	log.Debug("认证成功")
	return &ssh.Permissions{Extensions: perms.Extensions}, nil
}

func newAuthContext(meta ssh.ConnMetadata, method string) *middleware.AuthContext {
	actx := middleware.NewAuthContext(meta.User(), meta.RemoteAddr(), method)
	actx.SessionID = meta.SessionID()
	actx.ClientVersion = meta.ClientVersion()
	return actx
}

// publicKeyCallback 处理公钥与 OpenSSH 证书认证.
func (s *Server) publicKeyCallback(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	method := middleware.MethodPublicKey
	if _, ok := key.(*ssh.Certificate); ok {
		method = middleware.MethodCertificate
	}
	actx := newAuthContext(meta, method)
	actx.Set("publickey", key)
	return s.authenticate(actx, s.corePublicKeyAuthenticator)
}

// corePublicKeyAuthenticator 无条件接受公钥与证书, 只检查该方式是否启用.
// 需要真正校验的部署在这里接入 authorized_keys 或 CA 检查.
func (s *Server) corePublicKeyAuthenticator(actx *middleware.AuthContext) (*middleware.Permissions, error) {
	p := s.policy()

	v, ok := actx.Get("publickey")
	if !ok {
		return nil, fmt.Errorf("public key not found in auth context for user %s", actx.User)
	}
	key, ok := v.(ssh.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key in context is not a ssh.PublicKey for user %s", actx.User)
	}

	ext := map[string]string{
		extAuthMethod:  actx.AuthMethod,
		extFingerprint: ssh.FingerprintSHA256(key),
	}
	if cert, isCert := key.(*ssh.Certificate); isCert {
		if !p.auth.Certificate {
			return nil, errors.New("certificate authentication is disabled")
		}
		ext[extCertKeyID] = cert.KeyId
		ext[extFingerprint] = ssh.FingerprintSHA256(cert.Key)
	} else if !p.auth.PublicKey {
		return nil, errors.New("public key authentication is disabled")
	}
	return &middleware.Permissions{Extensions: ext}, nil
}

func (s *Server) passwordCallback(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	actx := newAuthContext(meta, middleware.MethodPassword)
	actx.Set("password", string(password))
	return s.authenticate(actx, s.corePasswordAuthenticator)
}

// corePasswordAuthenticator 用 [auth.users] 中的摘要校验口令.
func (s *Server) corePasswordAuthenticator(actx *middleware.AuthContext) (*middleware.Permissions, error) {
	p := s.policy()
	if !p.auth.Password {
		return nil, errors.New("password authentication is disabled")
	}

	v, ok := actx.Get("password")
	if !ok {
		return nil, fmt.Errorf("password not found in auth context for user %s", actx.User)
	}
	password, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("password in context is not a string for user %s", actx.User)
	}

	digest, ok := p.auth.Users[actx.User]
	if !ok {
		return nil, errors.New("password authentication failed")
	}
	match, err := passwd.Verify(password, digest)
	if err != nil {
		s.log.Warn("口令摘要无法校验", "user", actx.User, "error", err)
		return nil, errors.New("authentication failed: password verification error")
	}
	if !match {
		return nil, errors.New("incorrect password")
	}
	return &middleware.Permissions{Extensions: map[string]string{extAuthMethod: actx.AuthMethod}}, nil
}
