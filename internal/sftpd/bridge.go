package sftpd

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
)

// Serve 在 rwc 上运行 sftp 引擎直到流结束. 引擎的每个请求都转交给 h.
// 引擎自己应答 SSH_FXP_INIT, 客户端的版本与扩展由 initSniffer 转交给 h.Init.
func Serve(rwc io.ReadWriteCloser, h *Handler) error {
	b := NewBridge(h)
	stream := &initSniffer{ReadWriteCloser: rwc, h: h}
	srv := sftp.NewRequestServer(stream, b.Handlers(), sftp.WithStartDirectory(h.Workdir()))
	defer srv.Close()

	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Bridge 将 Handler 适配为 github.com/pkg/sftp 的 Handlers.
type Bridge struct {
	h *Handler
}

func NewBridge(h *Handler) *Bridge {
	return &Bridge{h: h}
}

// Handlers 返回供 sftp.NewRequestServer 使用的处理器集合.
func (b *Bridge) Handlers() sftp.Handlers {
	return sftp.Handlers{
		FileGet:  b,
		FilePut:  b,
		FileCmd:  b,
		FileList: b,
	}
}

// engineError 把 *Status 翻译为引擎能识别的错误值.
// StatusFailure 保留本地错误描述, 引擎会将其原样放进状态消息.
func engineError(err error) error {
	if err == nil {
		return nil
	}
	var st *Status
	if !errors.As(err, &st) {
		return err
	}
	switch st.Code {
	case StatusOK:
		return nil
	case StatusEOF:
		return io.EOF
	case StatusNoSuchFile:
		return sftp.ErrSSHFxNoSuchFile
	case StatusPermissionDenied:
		return sftp.ErrSSHFxPermissionDenied
	case StatusBadMessage:
		return sftp.ErrSSHFxBadMessage
	case StatusOpUnsupported:
		return sftp.ErrSSHFxOpUnsupported
	default:
		if st.Message == "" {
			return sftp.ErrSSHFxFailure
		}
		return errors.New(st.Message)
	}
}

func openFlags(r *sftp.Request) OpenFlags {
	pf := r.Pflags()
	return OpenFlags{
		Read:   pf.Read,
		Write:  pf.Write,
		Append: pf.Append,
		Creat:  pf.Creat,
		Trunc:  pf.Trunc,
		Excl:   pf.Excl,
	}
}

func requestAttrs(r *sftp.Request) Attrs {
	flags := r.AttrFlags()
	st := r.Attributes()
	var a Attrs
	if flags.Size {
		a.Size, a.HasSize = int64(st.Size), true
	}
	if flags.Permissions {
		a.Mode, a.HasMode = st.FileMode(), true
	}
	if flags.Acmodtime {
		a.Atime = time.Unix(int64(st.Atime), 0)
		a.Mtime = time.Unix(int64(st.Mtime), 0)
		a.HasTimes = true
	}
	return a
}

// Fileread 处理以只读方式打开的文件. 路径不存在时立即返回 no such file.
func (b *Bridge) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	if _, err := b.h.Stat(r.Filepath); err != nil {
		return nil, engineError(err)
	}
	handle, err := b.h.Open(r.Filepath, openFlags(r))
	if err != nil {
		return nil, engineError(err)
	}
	return &fileHandle{h: b.h, handle: handle}, nil
}

// Filewrite 处理只写打开的文件.
func (b *Bridge) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	return b.openWritable(r)
}

// OpenFile 实现 sftp.OpenFileWriter, 处理读写打开的文件.
func (b *Bridge) OpenFile(r *sftp.Request) (sftp.WriterAtReaderAt, error) {
	return b.openWritable(r)
}

// openWritable 打开可写句柄. 不带创建标志时路径必须已存在.
func (b *Bridge) openWritable(r *sftp.Request) (*fileHandle, error) {
	flags := openFlags(r)
	if !flags.Creat {
		if _, err := b.h.Stat(r.Filepath); err != nil {
			return nil, engineError(err)
		}
	}
	handle, err := b.h.Open(r.Filepath, flags)
	if err != nil {
		return nil, engineError(err)
	}
	return &fileHandle{h: b.h, handle: handle}, nil
}

func (b *Bridge) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		return engineError(b.h.Setstat(r.Filepath, requestAttrs(r)))
	case "Rename", "PosixRename":
		return engineError(b.h.Rename(r.Filepath, r.Target))
	case "Rmdir":
		return engineError(b.h.Rmdir(r.Filepath))
	case "Mkdir":
		return engineError(b.h.Mkdir(r.Filepath, requestAttrs(r)))
	case "Remove":
		return engineError(b.h.Remove(r.Filepath))
	case "Symlink":
		// 引擎中 Filepath 是链接目标, Target 是链接本身
		return engineError(b.h.Symlink(r.Filepath, r.Target))
	default:
		return engineError(b.h.Unsupported(r.Method))
	}
}

func (b *Bridge) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		handle, err := b.h.OpenDir(r.Filepath)
		if err != nil {
			return nil, engineError(err)
		}
		return &dirLister{h: b.h, handle: handle}, nil
	case "Stat":
		fi, err := b.stat(r.Filepath)
		if err != nil {
			return nil, engineError(err)
		}
		return listerat{fi}, nil
	case "Lstat":
		return b.Lstat(r)
	case "Readlink":
		target, err := b.Readlink(r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerat{linkInfo(target)}, nil
	default:
		return nil, engineError(b.h.Unsupported(r.Method))
	}
}

// stat 处理 STAT 与 FSTAT. 引擎把 FSTAT 改写为对句柄路径的 Stat,
// 因此路径上有打开的文件时走 Fstat, 刷新该句柄记录的大小.
func (b *Bridge) stat(p string) (os.FileInfo, error) {
	if handle, ok := b.h.fileHandleFor(p); ok {
		fi, err := b.h.Fstat(handle)
		if CodeOf(err) != StatusNoSuchFile {
			return fi, err
		}
	}
	return b.h.Stat(p)
}

// Lstat 实现 sftp.LstatFileLister.
func (b *Bridge) Lstat(r *sftp.Request) (sftp.ListerAt, error) {
	fi, err := b.h.Lstat(r.Filepath)
	if err != nil {
		return nil, engineError(err)
	}
	return listerat{fi}, nil
}

// RealPath 实现 sftp.RealPathFileLister.
func (b *Bridge) RealPath(p string) (string, error) {
	resolved, err := b.h.RealPath(p)
	return resolved, engineError(err)
}

// Readlink 实现 sftp.ReadlinkFileLister.
func (b *Bridge) Readlink(p string) (string, error) {
	target, err := b.h.Readlink(p)
	return target, engineError(err)
}

// fileHandle 是引擎持有的打开文件, 对应 Handler 中的一个句柄.
type fileHandle struct {
	h      *Handler
	handle string
	once   sync.Once
}

func (f *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	data, err := f.h.Read(f.handle, off, len(p))
	if err != nil {
		return 0, engineError(err)
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *fileHandle) WriteAt(p []byte, off int64) (int, error) {
	if err := f.h.Write(f.handle, off, p); err != nil {
		return 0, engineError(err)
	}
	return len(p), nil
}

func (f *fileHandle) Close() error {
	var err error
	f.once.Do(func() { err = engineError(f.h.Close(f.handle)) })
	return err
}

// dirLister 在第一次 ListAt 时取得完整列表, 按偏移分页交给引擎.
type dirLister struct {
	h       *Handler
	handle  string
	mu      sync.Mutex
	loaded  bool
	entries []os.FileInfo
	once    sync.Once
}

func (d *dirLister) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		files, err := d.h.ReadDir(d.handle)
		if err != nil {
			return 0, engineError(err)
		}
		d.entries = make([]os.FileInfo, len(files))
		for i, f := range files {
			d.entries[i] = f.Info
		}
		d.loaded = true
	}

	if offset >= int64(len(d.entries)) {
		d.release()
		return 0, io.EOF
	}
	n := copy(ls, d.entries[offset:])
	if n < len(ls) {
		d.release()
		return n, io.EOF
	}
	return n, nil
}

// Close 由引擎在目录句柄关闭时调用.
func (d *dirLister) Close() error {
	d.release()
	return nil
}

func (d *dirLister) release() {
	d.once.Do(func() { d.h.Close(d.handle) })
}

type listerat []os.FileInfo

func (l listerat) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

const (
	fxpInit       = 1
	maxInitPacket = 64 * 1024
)

// initSniffer 旁路观察引擎读到的第一个数据包.
// 它是 SSH_FXP_INIT 时把版本与扩展交给 Handler.Init; 否则 Handler 保持未初始化.
type initSniffer struct {
	io.ReadWriteCloser
	h    *Handler
	buf  []byte
	done bool
}

func (s *initSniffer) Read(p []byte) (int, error) {
	n, err := s.ReadWriteCloser.Read(p)
	if !s.done && n > 0 {
		s.buf = append(s.buf, p[:n]...)
		s.inspect()
	}
	return n, err
}

func (s *initSniffer) inspect() {
	if len(s.buf) < 5 {
		return
	}
	length := binary.BigEndian.Uint32(s.buf)
	if s.buf[4] != fxpInit || length < 5 || length > maxInitPacket {
		s.finish()
		return
	}
	if uint32(len(s.buf)-4) < length {
		return
	}
	version, ext, ok := parseInit(s.buf[5 : 4+length])
	if ok {
		s.h.Init(version, ext)
	}
	s.finish()
}

func (s *initSniffer) finish() {
	s.done = true
	s.buf = nil
}

// parseInit 解析 INIT 的负载: uint32 版本, 之后是成对的扩展名与值.
func parseInit(b []byte) (uint32, map[string]string, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	version := binary.BigEndian.Uint32(b)
	b = b[4:]
	ext := make(map[string]string)
	for len(b) > 0 {
		name, rest, ok := parseString(b)
		if !ok {
			return 0, nil, false
		}
		data, rest, ok := parseString(rest)
		if !ok {
			return 0, nil, false
		}
		ext[name] = data
		b = rest
	}
	return version, ext, true
}

func parseString(b []byte) (string, []byte, bool) {
	if len(b) < 4 {
		return "", nil, false
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return "", nil, false
	}
	return string(b[4 : 4+n]), b[4+n:], true
}

// linkInfo 是 readlink 应答中只携带名字的条目.
type linkInfo string

func (l linkInfo) Name() string       { return string(l) }
func (l linkInfo) Size() int64        { return 0 }
func (l linkInfo) Mode() os.FileMode  { return os.ModeSymlink }
func (l linkInfo) ModTime() time.Time { return time.Time{} }
func (l linkInfo) IsDir() bool        { return false }
func (l linkInfo) Sys() any           { return nil }
