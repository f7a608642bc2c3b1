package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/ssh"

	"tunneld/config"
)

const (
	defaultHostKeyFileRSA     = "host_rsa.key"
	defaultHostKeyFileEd25519 = "host_ed25519.key"
)

// loadHostKeys 返回服务器的主机密钥:
// 配置了 host_keys 时逐个读取; 否则在 host_key_dir 中加载或生成;
// 两者都为空时生成一个只在本进程内有效的 ed25519 密钥.
func loadHostKeys(cfg config.ServerConfig, log *slog.Logger) ([]ssh.Signer, error) {
	if len(cfg.HostKeys) > 0 {
		signers := make([]ssh.Signer, 0, len(cfg.HostKeys))
		for _, path := range cfg.HostKeys {
			signer, err := readHostKey(path)
			if err != nil {
				return nil, err
			}
			log.Info("已加载主机密钥", "path", path, "type", signer.PublicKey().Type())
			signers = append(signers, signer)
		}
		return signers, nil
	}

	if cfg.HostKeyDir != "" {
		signer, err := loadOrCreateHostKey(cfg.Cert, cfg.HostKeyDir, log)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 key failed: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, err
	}
	log.Info("使用临时 Ed25519 主机密钥", "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
	return []ssh.Signer{signer}, nil
}

// readHostKey 读取 OpenSSH 或 PEM 格式的私钥文件.
func readHostKey(path string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading host key %s failed: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing host key %s failed: %w", path, err)
	}
	return signer, nil
}

// loadOrCreateHostKey 在 dir 中加载或创建指定类型的主机密钥.
func loadOrCreateHostKey(cert, dir string, log *slog.Logger) (ssh.Signer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating host key dir failed: %w", err)
	}

	var privateKey any
	var err error
	switch cert {
	case "ed25519":
		privateKey, err = loadOrCreateHostKeyEd25519(filepath.Join(dir, defaultHostKeyFileEd25519), log)
	case "rsa":
		privateKey, err = loadOrCreateHostKeyRSA(filepath.Join(dir, defaultHostKeyFileRSA), log)
	default:
		return nil, fmt.Errorf("unsupported host key type: %s", cert)
	}
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privateKey)
}

func loadOrCreateHostKeyRSA(keyPath string, log *slog.Logger) (*rsa.PrivateKey, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		block, _ := pem.Decode(keyBytes)
		if block != nil && block.Type == "RSA PRIVATE KEY" {
			privateKey, parseErr := x509.ParsePKCS1PrivateKey(block.Bytes)
			if parseErr == nil {
				log.Info("加载已存在的 RSA 主机密钥", "path", keyPath)
				return privateKey, nil
			}
			log.Warn("解析已存在的 RSA 主机密钥失败, 重新生成", "path", keyPath, "error", parseErr)
		} else {
			log.Warn("RSA 主机密钥文件格式不正确, 重新生成", "path", keyPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading RSA host key file failed: %w", err)
	}

	log.Info("生成新的 RSA 主机密钥", "path", keyPath)
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key failed: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("saving RSA host key to file failed: %w", err)
	}
	return privateKey, nil
}

func loadOrCreateHostKeyEd25519(keyPath string, log *slog.Logger) (ed25519.PrivateKey, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		block, _ := pem.Decode(keyBytes)
		if block != nil && block.Type == "ED25519 PRIVATE KEY" {
			privateKey, parseErr := x509.ParsePKCS8PrivateKey(block.Bytes)
			if parseErr == nil {
				if edKey, ok := privateKey.(ed25519.PrivateKey); ok {
					log.Info("加载已存在的 Ed25519 主机密钥", "path", keyPath)
					return edKey, nil
				}
				log.Warn("主机密钥文件内容不是 Ed25519 私钥, 重新生成", "path", keyPath)
			} else {
				log.Warn("解析已存在的 Ed25519 主机密钥失败, 重新生成", "path", keyPath, "error", parseErr)
			}
		} else {
			log.Warn("Ed25519 主机密钥文件格式不正确, 重新生成", "path", keyPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading Ed25519 host key file failed: %w", err)
	}

	log.Info("生成新的 Ed25519 主机密钥", "path", keyPath)
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 key failed: %w", err)
	}

	// PKCS#8
	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("encoding Ed25519 private key failed: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "ED25519 PRIVATE KEY",
		Bytes: privateKeyBytes,
	})
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("saving Ed25519 host key to file failed: %w", err)
	}
	return privateKey, nil
}
