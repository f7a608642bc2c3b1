package sftpd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// StatusCode 是 sftp (v3) 的状态码.
type StatusCode uint32

const (
	StatusOK               StatusCode = 0
	StatusEOF              StatusCode = 1
	StatusNoSuchFile       StatusCode = 2
	StatusPermissionDenied StatusCode = 3
	StatusFailure          StatusCode = 4
	StatusBadMessage       StatusCode = 5
	StatusOpUnsupported    StatusCode = 8
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusEOF:
		return "eof"
	case StatusNoSuchFile:
		return "no_such_file"
	case StatusPermissionDenied:
		return "permission_denied"
	case StatusFailure:
		return "failure"
	case StatusBadMessage:
		return "bad_message"
	case StatusOpUnsupported:
		return "op_unsupported"
	default:
		return fmt.Sprintf("status_%d", uint32(c))
	}
}

// Status 是返回给对端的状态响应, 同时实现 error.
type Status struct {
	Code    StatusCode
	Message string
	Lang    string
}

func (s *Status) Error() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}

func newStatus(code StatusCode, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...), Lang: "en-US"}
}

// CodeOf 返回 err 对应的状态码. nil 为 StatusOK, 非 *Status 的错误视为 StatusFailure.
func CodeOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var st *Status
	if errors.As(err, &st) {
		return st.Code
	}
	return StatusFailure
}

// notFound 将 stat/open 类失败统一报告为 "no such file".
func notFound(err error) error {
	if err == nil {
		return nil
	}
	return &Status{Code: StatusNoSuchFile, Message: localMessage(err), Lang: "en-US"}
}

// failure 将修改类失败报告为携带本地错误描述的 StatusFailure.
func failure(err error) error {
	if err == nil {
		return nil
	}
	return &Status{Code: StatusFailure, Message: localMessage(err), Lang: "en-US"}
}

// localMessage 去掉 *fs.PathError 中的操作名, 只保留路径与原因.
func localMessage(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Path + ": " + pe.Err.Error()
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return le.Old + " -> " + le.New + ": " + le.Err.Error()
	}
	return err.Error()
}

// Attrs 是 setstat/mkdir 携带的可选属性.
type Attrs struct {
	Size     int64
	HasSize  bool
	Mode     os.FileMode
	HasMode  bool
	Atime    time.Time
	Mtime    time.Time
	HasTimes bool
}

// fsAdapter 是对本地文件系统的薄封装, 所有错误都转换为 *Status.
type fsAdapter struct {
	workdir string
}

// resolve 将相对路径解析到工作目录下.
func (a fsAdapter) resolve(p string) string {
	if p == "" {
		p = "."
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(a.workdir, p)
	}
	return filepath.Clean(p)
}

func (a fsAdapter) stat(p string) (os.FileInfo, error) {
	fi, err := os.Stat(a.resolve(p))
	return fi, notFound(err)
}

func (a fsAdapter) lstat(p string) (os.FileInfo, error) {
	fi, err := os.Lstat(a.resolve(p))
	return fi, notFound(err)
}

func (a fsAdapter) readDir(p string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(a.resolve(p))
	if err != nil {
		return nil, notFound(err)
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			// 枚举与 stat 之间被删除的条目直接跳过
			continue
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

func (a fsAdapter) openRead(p string) (*os.File, error) {
	f, err := os.Open(a.resolve(p))
	return f, notFound(err)
}

// openWrite 只有 create 为真时才创建不存在的文件.
func (a fsAdapter) openWrite(p string, trunc, create bool) (*os.File, error) {
	flag := os.O_WRONLY
	if create {
		flag |= os.O_CREATE
	}
	if trunc {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(a.resolve(p), flag, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(err)
		}
		return nil, failure(err)
	}
	return f, nil
}

func (a fsAdapter) mkdir(p string, mode os.FileMode) error {
	return failure(os.Mkdir(a.resolve(p), mode))
}

// remove 只删除非目录条目, 目录交给 rmdir.
func (a fsAdapter) remove(p string) error {
	local := a.resolve(p)
	fi, err := os.Lstat(local)
	if err != nil {
		return failure(err)
	}
	if fi.IsDir() {
		return newStatus(StatusFailure, "%s: is a directory", local)
	}
	return failure(os.Remove(local))
}

func (a fsAdapter) rmdir(p string) error {
	local := a.resolve(p)
	fi, err := os.Lstat(local)
	if err != nil {
		return failure(err)
	}
	if !fi.IsDir() {
		return newStatus(StatusFailure, "%s: not a directory", local)
	}
	return failure(os.Remove(local))
}

func (a fsAdapter) rename(oldPath, newPath string) error {
	return failure(os.Rename(a.resolve(oldPath), a.resolve(newPath)))
}

func (a fsAdapter) symlink(target, link string) error {
	return failure(os.Symlink(target, a.resolve(link)))
}

func (a fsAdapter) readlink(p string) (string, error) {
	target, err := os.Readlink(a.resolve(p))
	return target, notFound(err)
}

// realpath 返回解析符号链接后的绝对路径, 路径不存在时返回错误.
func (a fsAdapter) realpath(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(a.resolve(p))
	if err != nil {
		return "", notFound(err)
	}
	return resolved, nil
}

func (a fsAdapter) setstat(p string, attrs Attrs) error {
	local := a.resolve(p)
	if attrs.HasSize {
		if err := os.Truncate(local, attrs.Size); err != nil {
			return failure(err)
		}
	}
	if attrs.HasMode {
		if err := os.Chmod(local, attrs.Mode.Perm()); err != nil {
			return failure(err)
		}
	}
	if attrs.HasTimes {
		if err := os.Chtimes(local, attrs.Atime, attrs.Mtime); err != nil {
			return failure(err)
		}
	}
	return nil
}
