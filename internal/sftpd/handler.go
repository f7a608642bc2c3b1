// Package sftpd 实现单个 sftp 通道上的文件传输状态机.
//
// Handler 把 sftp 的固定操作集合映射到本地文件系统调用, 并在句柄表中
// 保存多消息操作的游标. 目录列表与文件读取都是一次性批量语义:
// 目录在第一次 ReadDir 时完整返回, 之后返回 EOF; 文件读取以打开
// (或 Fstat) 时记录的大小为上限, 交付满该大小后返回 EOF.
// 这一模型假设文件在打开到读完之间不被并发修改.
package sftpd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"tunneld/internal/logger"
	"tunneld/internal/metrics"
)

// ProtocolVersion 是协商的 sftp 协议版本.
const ProtocolVersion = 3

// Options 配置一个 Handler.
type Options struct {
	// Root 是会话的工作目录, 为空时使用进程当前目录.
	Root string
	// ReadOnly 拒绝所有修改类操作.
	ReadOnly bool
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// File 是 ReadDir 返回的一个目录条目.
type File struct {
	Name string
	Info os.FileInfo
}

// Handler 是一个通道独占的 sftp 操作处理器.
// 底层引擎会从多个 goroutine 回调, 所有状态由 mu 保护.
type Handler struct {
	mu          sync.Mutex
	fs          fsAdapter
	readOnly    bool
	initialized bool
	version     uint32
	extensions  map[string]string
	handles     *handleTable

	bytesRead    int64
	bytesWritten int64

	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler 创建 Handler. Root 必须是已存在的目录.
func NewHandler(opts Options) (*Handler, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sftp root %s: %w", opts.Root, err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("sftp root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("sftp root %s is not a directory", root)
	}

	log := opts.Logger
	if log == nil {
		log = logger.L()
	}
	return &Handler{
		fs:       fsAdapter{workdir: root},
		readOnly: opts.ReadOnly,
		handles:  newHandleTable(),
		log:      log,
		metrics:  opts.Metrics,
	}, nil
}

// Workdir 返回相对路径解析所基于的目录.
func (h *Handler) Workdir() string {
	return h.fs.workdir
}

// Init 完成版本握手, 返回协商后的版本. 不会失败.
func (h *Handler) Init(version uint32, extensions map[string]string) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized = true
	h.version = min(version, ProtocolVersion)
	h.extensions = extensions
	h.log.Debug("sftp 握手完成", "client_version", version, "version", h.version, "extensions", len(extensions))
	return h.version
}

// begin 加锁并检查握手状态. 成功时调用方负责 h.mu.Unlock().
func (h *Handler) begin() error {
	h.mu.Lock()
	if !h.initialized {
		h.mu.Unlock()
		return newStatus(StatusFailure, "session not initialized")
	}
	return nil
}

func (h *Handler) observe(op string, err error) {
	h.metrics.SFTPOp(op, CodeOf(err).String())
}

func (h *Handler) denyReadOnly() error {
	if h.readOnly {
		return newStatus(StatusPermissionDenied, "read-only session")
	}
	return nil
}

// OpenDir 打开目录并返回新句柄.
func (h *Handler) OpenDir(p string) (handle string, err error) {
	defer func() { h.observe("opendir", err) }()
	if err := h.begin(); err != nil {
		return "", err
	}
	defer h.mu.Unlock()

	fi, err := h.fs.stat(p)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", newStatus(StatusFailure, "%s: not a directory", p)
	}
	return h.handles.add(&handleEntry{kind: kindDir, path: p}), nil
}

// ReadDir 第一次调用返回完整的目录列表, 之后返回 EOF.
func (h *Handler) ReadDir(handle string) (files []File, err error) {
	defer func() { h.observe("readdir", err) }()
	if err := h.begin(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	e, ok := h.handles.get(handle)
	if !ok || e.kind != kindDir {
		return nil, newStatus(StatusNoSuchFile, "invalid handle")
	}
	if e.exhausted {
		return nil, newStatus(StatusEOF, "")
	}

	infos, err := h.fs.readDir(e.path)
	if err != nil {
		return nil, err
	}
	e.exhausted = true

	files = make([]File, 0, len(infos))
	for _, fi := range infos {
		files = append(files, File{Name: fi.Name(), Info: fi})
	}
	return files, nil
}

// RealPath 将路径规范化为绝对路径并解析符号链接.
func (h *Handler) RealPath(p string) (resolved string, err error) {
	defer func() { h.observe("realpath", err) }()
	if err := h.begin(); err != nil {
		return "", err
	}
	defer h.mu.Unlock()
	return h.fs.realpath(p)
}

func (h *Handler) Stat(p string) (fi os.FileInfo, err error) {
	defer func() { h.observe("stat", err) }()
	if err := h.begin(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return h.fs.stat(p)
}

func (h *Handler) Lstat(p string) (fi os.FileInfo, err error) {
	defer func() { h.observe("lstat", err) }()
	if err := h.begin(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return h.fs.lstat(p)
}

// Fstat 返回句柄所指路径的属性, 并刷新文件句柄记录的大小.
func (h *Handler) Fstat(handle string) (fi os.FileInfo, err error) {
	defer func() { h.observe("fstat", err) }()
	if err := h.begin(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	e, ok := h.handles.get(handle)
	if !ok {
		return nil, newStatus(StatusNoSuchFile, "invalid handle")
	}
	fi, err = h.fs.stat(e.path)
	if err != nil {
		return nil, err
	}
	if e.kind == kindFile {
		e.size = fi.Size()
		e.exhausted = e.delivered >= e.size
	}
	return fi, nil
}

// fileHandleFor 返回指向 p 的一个打开文件句柄.
func (h *Handler) fileHandleFor(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	local := h.fs.resolve(p)
	return h.handles.find(func(e *handleEntry) bool {
		return e.kind == kindFile && h.fs.resolve(e.path) == local
	})
}

// Open 为文件创建句柄并重置游标. 文件的创建推迟到第一次写入 (或关闭).
func (h *Handler) Open(p string, flags OpenFlags) (handle string, err error) {
	defer func() { h.observe("open", err) }()
	if err := h.begin(); err != nil {
		return "", err
	}
	defer h.mu.Unlock()

	if flags.mutates() {
		if err := h.denyReadOnly(); err != nil {
			return "", err
		}
	}

	e := &handleEntry{kind: kindFile, path: p, flags: flags}
	if fi, statErr := h.fs.stat(p); statErr == nil {
		if flags.Creat && flags.Excl {
			return "", newStatus(StatusFailure, "%s: file exists", p)
		}
		if !flags.Trunc {
			e.size = fi.Size()
		}
	}
	return h.handles.add(e), nil
}

// Read 从 offset 起最多读取 length 字节. 累计交付达到记录的大小后返回 EOF.
func (h *Handler) Read(handle string, offset int64, length int) (data []byte, err error) {
	defer func() { h.observe("read", err) }()
	if err := h.begin(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	e, ok := h.handles.get(handle)
	if !ok || e.kind != kindFile {
		return nil, newStatus(StatusNoSuchFile, "invalid handle")
	}
	if e.exhausted || e.delivered >= e.size {
		e.exhausted = true
		return nil, newStatus(StatusEOF, "")
	}
	if e.rd == nil {
		f, err := h.fs.openRead(e.path)
		if err != nil {
			return nil, err
		}
		e.rd = f
	}

	if remaining := e.size - e.delivered; int64(length) > remaining {
		length = int(remaining)
	}
	buf := make([]byte, length)
	n, err := e.rd.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, failure(err)
	}
	if n == 0 {
		return nil, newStatus(StatusEOF, "")
	}

	e.delivered += int64(n)
	if e.delivered >= e.size {
		e.exhausted = true
	}
	h.bytesRead += int64(n)
	h.metrics.SFTPRead(n)
	return buf[:n], nil
}

// Write 在 offset 处写入 data. 第一次写入时才创建或截断文件.
func (h *Handler) Write(handle string, offset int64, data []byte) (err error) {
	defer func() { h.observe("write", err) }()
	if err := h.begin(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	if err := h.denyReadOnly(); err != nil {
		return err
	}

	e, ok := h.handles.get(handle)
	if !ok || e.kind != kindFile {
		return newStatus(StatusNoSuchFile, "invalid handle")
	}
	if e.wr == nil {
		f, err := h.fs.openWrite(e.path, e.flags.Trunc, e.flags.Creat)
		if err != nil {
			return err
		}
		e.wr = f
	}

	n, err := e.wr.WriteAt(data, offset)
	if err != nil {
		return failure(err)
	}
	e.written = true
	if end := offset + int64(n); end > e.size {
		e.size = end
	}
	e.exhausted = e.delivered >= e.size
	h.bytesWritten += int64(n)
	h.metrics.SFTPWrite(n)
	return nil
}

func (h *Handler) Remove(p string) (err error) {
	defer func() { h.observe("remove", err) }()
	if err := h.begin(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	if err := h.denyReadOnly(); err != nil {
		return err
	}
	return h.fs.remove(p)
}

func (h *Handler) Rmdir(p string) (err error) {
	defer func() { h.observe("rmdir", err) }()
	if err := h.begin(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	if err := h.denyReadOnly(); err != nil {
		return err
	}
	return h.fs.rmdir(p)
}

// Mkdir 创建目录. attrs 未携带权限时使用 0755.
func (h *Handler) Mkdir(p string, attrs Attrs) (err error) {
	defer func() { h.observe("mkdir", err) }()
	if err := h.begin(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	if err := h.denyReadOnly(); err != nil {
		return err
	}
	mode := os.FileMode(0o755)
	if attrs.HasMode {
		mode = attrs.Mode.Perm()
	}
	return h.fs.mkdir(p, mode)
}

func (h *Handler) Rename(oldPath, newPath string) (err error) {
	defer func() { h.observe("rename", err) }()
	if err := h.begin(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	if err := h.denyReadOnly(); err != nil {
		return err
	}
	return h.fs.rename(oldPath, newPath)
}

func (h *Handler) Setstat(p string, attrs Attrs) (err error) {
	defer func() { h.observe("setstat", err) }()
	if err := h.begin(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	if err := h.denyReadOnly(); err != nil {
		return err
	}
	return h.fs.setstat(p, attrs)
}

func (h *Handler) Symlink(target, link string) (err error) {
	defer func() { h.observe("symlink", err) }()
	if err := h.begin(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	if err := h.denyReadOnly(); err != nil {
		return err
	}
	return h.fs.symlink(target, link)
}

func (h *Handler) Readlink(p string) (target string, err error) {
	defer func() { h.observe("readlink", err) }()
	if err := h.begin(); err != nil {
		return "", err
	}
	defer h.mu.Unlock()
	return h.fs.readlink(p)
}

// Close 销毁句柄. 以创建标志打开却从未写入的文件在此时创建.
func (h *Handler) Close(handle string) (err error) {
	defer func() { h.observe("close", err) }()
	if err := h.begin(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	e, ok := h.handles.remove(handle)
	if !ok {
		return newStatus(StatusNoSuchFile, "invalid handle")
	}
	if e.kind == kindFile && e.flags.Creat && !e.written && e.wr == nil {
		f, err := h.fs.openWrite(e.path, e.flags.Trunc, true)
		if err != nil {
			e.close()
			return err
		}
		e.wr = f
	}
	return failure(e.close())
}

// Unsupported 是所有未识别操作的应答.
func (h *Handler) Unsupported(op string) error {
	err := newStatus(StatusOpUnsupported, "operation not supported: %s", op)
	h.observe(op, err)
	return err
}

// Release 关闭所有仍打开的句柄, 在通道关闭时调用. 返回关闭的数量.
func (h *Handler) Release() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.handles.drain()
	for _, e := range entries {
		if err := e.close(); err != nil {
			h.log.Warn("关闭 sftp 句柄失败", "path", e.path, "error", err)
		}
	}
	return len(entries)
}

// OpenHandles 返回当前打开的句柄数.
func (h *Handler) OpenHandles() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handles.len()
}

// Transferred 返回累计读取与写入的字节数.
func (h *Handler) Transferred() (read, written int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesRead, h.bytesWritten
}
