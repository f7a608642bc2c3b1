package sftpd

import (
	"errors"
	"os"

	"github.com/google/uuid"
)

type handleKind int

const (
	kindDir handleKind = iota
	kindFile
)

// OpenFlags 是 open 请求中的 pflags.
type OpenFlags struct {
	Read   bool
	Write  bool
	Append bool
	Creat  bool
	Trunc  bool
	Excl   bool
}

func (f OpenFlags) mutates() bool {
	return f.Write || f.Append || f.Creat || f.Trunc
}

// handleEntry 是一个已打开目录或文件的游标状态.
type handleEntry struct {
	kind handleKind
	path string

	// 目录: 完整列表只返回一次
	exhausted bool

	// 文件: 打开/stat 时记录的大小与已交付的字节数
	flags     OpenFlags
	size      int64
	delivered int64
	written   bool
	rd        *os.File
	wr        *os.File
}

func (e *handleEntry) close() error {
	var errs []error
	if e.rd != nil {
		errs = append(errs, e.rd.Close())
		e.rd = nil
	}
	if e.wr != nil {
		errs = append(errs, e.wr.Close())
		e.wr = nil
	}
	return errors.Join(errs...)
}

// handleTable 将不透明的句柄字符串映射到游标状态. 由 Handler 的锁保护.
type handleTable struct {
	entries map[string]*handleEntry
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[string]*handleEntry)}
}

func (t *handleTable) add(e *handleEntry) string {
	for {
		token := uuid.NewString()
		if _, taken := t.entries[token]; !taken {
			t.entries[token] = e
			return token
		}
	}
}

func (t *handleTable) get(token string) (*handleEntry, bool) {
	e, ok := t.entries[token]
	return e, ok
}

func (t *handleTable) remove(token string) (*handleEntry, bool) {
	e, ok := t.entries[token]
	if ok {
		delete(t.entries, token)
	}
	return e, ok
}

// find 返回第一个满足 match 的句柄.
func (t *handleTable) find(match func(*handleEntry) bool) (string, bool) {
	for token, e := range t.entries {
		if match(e) {
			return token, true
		}
	}
	return "", false
}

func (t *handleTable) len() int {
	return len(t.entries)
}

// drain 移除并返回所有条目.
func (t *handleTable) drain() []*handleEntry {
	out := make([]*handleEntry, 0, len(t.entries))
	for token, e := range t.entries {
		out = append(out, e)
		delete(t.entries, token)
	}
	return out
}
