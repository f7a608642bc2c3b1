package config

/*
[server]
host = "0.0.0.0"
port = 2222
host_keys = []          # 为空时生成临时 ed25519 主机密钥
cert = "ed25519"        # ed25519/rsa, 仅在 host_key_dir 非空时使用
host_key_dir = ""
inactivity_timeout = "1h"
rejection_time = "3s"

[sftp]
enabled = true
root = ""
readonly = false

[auth]
publickey = true
certificate = true
password = false

[auth.users]
# alice = "$argon2id$v=19$m=65536,t=3,p=4$..."

[forward]
permitted_targets = ["127.0.0.1:*"]

[fail2ban]
enabled = false
max_attempts = 5
find_time = "10m"
ban_time = "30m"
whitelist = []

[log]
level = "info"
format = "text"
output = "stderr"

[metrics]
listen = ""
*/

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
)

// 默认值.
const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 2222
	DefaultCert              = "ed25519"
	DefaultInactivityTimeout = time.Hour
	DefaultRejectionTime     = 3 * time.Second
)

// Duration 允许在 TOML 中以 "1h30m" 形式书写时长.
type Duration struct {
	time.Duration
}

// UnmarshalText 实现 encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText 实现 encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	SFTP     SFTPConfig     `toml:"sftp"`
	Auth     AuthConfig     `toml:"auth"`
	Forward  ForwardConfig  `toml:"forward"`
	Fail2Ban Fail2BanConfig `toml:"fail2ban"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type ServerConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	HostKeys          []string `toml:"host_keys"`    // OpenSSH/PEM 私钥文件
	Cert              string   `toml:"cert"`         // 生成持久化密钥时的类型
	HostKeyDir        string   `toml:"host_key_dir"` // 为空则使用临时密钥
	InactivityTimeout Duration `toml:"inactivity_timeout"`
	RejectionTime     Duration `toml:"rejection_time"` // 认证失败后的延迟
}

// SFTPConfig 控制 sftp 子系统.
type SFTPConfig struct {
	Enabled  bool   `toml:"enabled"`
	Root     string `toml:"root"` // 为空时直接暴露本地文件系统
	ReadOnly bool   `toml:"readonly"`
}

// AuthConfig 决定接受哪些凭据. 公钥与证书不做校验, 这是策略插入点.
type AuthConfig struct {
	PublicKey   bool              `toml:"publickey"`
	Certificate bool              `toml:"certificate"`
	Password    bool              `toml:"password"`
	Users       map[string]string `toml:"users"` // 用户名 -> crypt 摘要
}

// ForwardConfig 控制 direct-tcpip 隧道允许的目标.
type ForwardConfig struct {
	PermittedTargets []string `toml:"permitted_targets"` // doublestar 模式, 形如 "host:port"
}

type Fail2BanConfig struct {
	Enabled     bool     `toml:"enabled"`
	MaxAttempts int      `toml:"max_attempts"`
	FindTime    Duration `toml:"find_time"`
	BanTime     Duration `toml:"ban_time"`
	Whitelist   []string `toml:"whitelist"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Default 返回一份未读取任何文件时使用的配置.
func Default() *Config {
	cfg := &Config{
		SFTP: SFTPConfig{Enabled: true},
		Auth: AuthConfig{PublicKey: true, Certificate: true},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 为未设置的字段填充默认值.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Cert == "" {
		c.Server.Cert = DefaultCert
	}
	if c.Server.InactivityTimeout.Duration == 0 {
		c.Server.InactivityTimeout.Duration = DefaultInactivityTimeout
	}
	if c.Server.RejectionTime.Duration == 0 {
		c.Server.RejectionTime.Duration = DefaultRejectionTime
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
}

// Validate 检查配置中无法在运行时恢复的错误.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Server.Cert {
	case "ed25519", "rsa":
	default:
		errs = append(errs, fmt.Errorf("server.cert unsupported: %s", c.Server.Cert))
	}
	if c.Server.RejectionTime.Duration < 0 {
		errs = append(errs, errors.New("server.rejection_time must not be negative"))
	}
	if c.Auth.Password && len(c.Auth.Users) == 0 {
		errs = append(errs, errors.New("auth.password enabled but auth.users is empty"))
	}
	for _, pattern := range c.Forward.PermittedTargets {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Errorf("forward.permitted_targets: invalid pattern %q", pattern))
		}
	}
	return errors.Join(errs...)
}

// LoadConfig 从 path 读取 TOML 配置. 未出现在文件中的段落保持默认值.
func LoadConfig(path string) (*Config, error) {
	_, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}
	config := Default()
	_, err = toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("config file decode error: %w", err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}
