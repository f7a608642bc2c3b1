package server

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"tunneld/internal/sftpd"
)

// startSFTP 把通道绑定到一个新的 sftp 处理器, 并在后台运行引擎直到流结束.
func (r *Router) startSFTP(c *Channel, log *slog.Logger) error {
	sftpCfg := r.srv.cfg.SFTP

	h, err := sftpd.NewHandler(sftpd.Options{
		Root:     sftpCfg.Root,
		ReadOnly: sftpCfg.ReadOnly,
		Logger:   log,
		Metrics:  r.srv.metrics,
	})
	if err != nil {
		return fmt.Errorf("create sftp handler: %w", err)
	}

	stream, err := c.Bind(h)
	if err != nil {
		return fmt.Errorf("bind channel %d: %w", c.ID, err)
	}

	log.Info("sftp 会话开始", "root", h.Workdir(), "readonly", sftpCfg.ReadOnly)
	go func() {
		if err := sftpd.Serve(stream, h); err != nil {
			log.Warn("sftp 引擎运行出错", "error", err)
		}
		released := h.Release()
		read, written := h.Transferred()
		log.Info("sftp 会话结束",
			"read", humanize.IBytes(uint64(read)),
			"written", humanize.IBytes(uint64(written)),
			"released_handles", released)
		c.Close()
	}()
	return nil
}
