package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tunneld/config"
	"tunneld/internal/logger"
	"tunneld/internal/metrics"
	"tunneld/internal/passwd"
	"tunneld/server"
)

const (
	defaultConfigPath = "config/config.toml"
	shutdownGrace     = 10 * time.Second
)

var (
	configPath string
	port       int
	logLevel   string
	watch      bool
)

var rootCmd = &cobra.Command{
	Use:   "tunneld",
	Short: "SSH tunnel server with an sftp subsystem",
	Long: `tunneld accepts SSH connections, echoes raw session channels,
serves the sftp subsystem on request and opens direct-tcpip tunnels
to permitted targets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print a crypt digest suitable for [auth.users]",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		digest, err := passwd.Hash(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), digest)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the TOML config file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port, overrides server.port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level, overrides log.level")
	rootCmd.Flags().BoolVar(&watch, "watch", false, "reload auth and forward settings when the config file changes")
	rootCmd.AddCommand(hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置文件. 使用默认路径且文件不存在时退回到内置默认值.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if !cmd.Flags().Changed("config") && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(logger.L())}
	if cfg.Metrics.Listen != "" {
		opts = append(opts, server.WithMetrics(metrics.New(prometheus.DefaultRegisterer)))
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, prometheus.DefaultGatherer); err != nil {
				logger.Error("指标服务退出", "error", err)
			}
		}()
		logger.Info("指标服务已启动", "addr", cfg.Metrics.Listen)
	}

	srv, err := server.NewServer(cfg, opts...)
	if err != nil {
		return err
	}

	if watch {
		w, err := config.NewWatcher(configPath, func(next *config.Config) {
			srv.Reload(next)
			if lvl, err := logger.ParseLevel(next.Log.Level); err == nil && logLevel == "" {
				logger.SetLevel(lvl)
			}
		})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer w.Close()
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Wait(waitCtx); err != nil {
		logger.Warn("仍有连接未结束, 强制退出", "error", err)
	}
	logger.Info("服务已停止")
	return nil
}
