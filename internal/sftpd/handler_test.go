package sftpd

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunneld/internal/logger"
	"tunneld/internal/metrics"
)

func newTestHandler(t *testing.T, opts Options) (*Handler, string) {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	opts.Logger = logger.Discard()
	h, err := NewHandler(opts)
	require.NoError(t, err)
	h.Init(ProtocolVersion, nil)
	t.Cleanup(func() { h.Release() })
	return h, opts.Root
}

func requireCode(t *testing.T, want StatusCode, err error, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	assert.Equal(t, want, CodeOf(err), msgAndArgs...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewHandlerRejectsBadRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	writeFile(t, file, "x")

	_, err := NewHandler(Options{Root: file})
	assert.Error(t, err)

	_, err = NewHandler(Options{Root: filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestInit(t *testing.T) {
	h, err := NewHandler(Options{Root: t.TempDir(), Logger: logger.Discard()})
	require.NoError(t, err)

	_, err = h.Stat(".")
	requireCode(t, StatusFailure, err)

	assert.Equal(t, uint32(3), h.Init(6, map[string]string{"posix-rename@openssh.com": "1"}))
	assert.Equal(t, uint32(2), h.Init(2, nil))

	_, err = h.Stat(".")
	assert.NoError(t, err)
}

func TestWriteWithoutCreateOnMissingPath(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "absent")

	handle, err := h.Open(path, OpenFlags{Write: true})
	require.NoError(t, err)
	requireCode(t, StatusNoSuchFile, h.Write(handle, 0, []byte("x")))
	require.NoError(t, h.Close(handle))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "write without create must not create the file")
}

func TestWriteThenReadSameHandle(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "rw")

	handle, err := h.Open(path, OpenFlags{Read: true, Write: true, Creat: true, Trunc: true})
	require.NoError(t, err)
	_, err = h.Read(handle, 0, 8)
	requireCode(t, StatusEOF, err, "nothing written yet")

	require.NoError(t, h.Write(handle, 0, []byte("hello")))
	data, err := h.Read(handle, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, h.Close(handle))
}

func TestReadDirOnceThenEOF(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "b.txt"), "bb")
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	handle, err := h.OpenDir(root)
	require.NoError(t, err)

	files, err := h.ReadDir(handle)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		assert.Equal(t, f.Name, f.Info.Name())
		require.NotNil(t, f.Info)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.txt", "b.txt", "sub"}, names)

	for i := 0; i < 3; i++ {
		_, err = h.ReadDir(handle)
		requireCode(t, StatusEOF, err)
	}

	require.NoError(t, h.Close(handle))
	_, err = h.ReadDir(handle)
	requireCode(t, StatusNoSuchFile, err)
}

func TestOpenDirErrors(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	writeFile(t, filepath.Join(root, "f"), "x")

	_, err := h.OpenDir(filepath.Join(root, "missing"))
	requireCode(t, StatusNoSuchFile, err)

	_, err = h.OpenDir(filepath.Join(root, "f"))
	requireCode(t, StatusFailure, err)
}

func TestReadCursor(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "data")
	writeFile(t, path, "0123456789")

	handle, err := h.Open(path, OpenFlags{Read: true})
	require.NoError(t, err)

	data, err := h.Read(handle, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(data))

	data, err = h.Read(handle, 4, 100)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(data))

	_, err = h.Read(handle, 10, 4)
	requireCode(t, StatusEOF, err)
	_, err = h.Read(handle, 0, 4)
	requireCode(t, StatusEOF, err, "delivered bytes already reached the recorded size")

	read, _ := h.Transferred()
	assert.Equal(t, int64(10), read)
}

func TestReadNeverExceedsRecordedSize(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "grow")
	writeFile(t, path, "abc")

	handle, err := h.Open(path, OpenFlags{Read: true})
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("defgh")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var total int
	for off := int64(0); ; {
		data, err := h.Read(handle, off, 2)
		if err != nil {
			requireCode(t, StatusEOF, err)
			break
		}
		total += len(data)
		off += int64(len(data))
	}
	assert.Equal(t, 3, total)

	fi, err := h.Fstat(handle)
	require.NoError(t, err)
	assert.Equal(t, int64(8), fi.Size())

	data, err := h.Read(handle, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, "defgh", string(data))
}

func TestReadEmptyFile(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "empty")
	writeFile(t, path, "")

	handle, err := h.Open(path, OpenFlags{Read: true})
	require.NoError(t, err)
	_, err = h.Read(handle, 0, 16)
	requireCode(t, StatusEOF, err)
}

func TestWriteRoundTrip(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "out.txt")

	handle, err := h.Open(path, OpenFlags{Write: true, Creat: true, Trunc: true})
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "file is created on first write")

	require.NoError(t, h.Write(handle, 0, []byte("hello ")))
	require.NoError(t, h.Write(handle, 6, []byte("world")))
	require.NoError(t, h.Close(handle))

	fi, err := h.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), fi.Size())

	rh, err := h.Open(path, OpenFlags{Read: true})
	require.NoError(t, err)
	data, err := h.Read(rh, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	require.NoError(t, h.Close(rh))

	read, written := h.Transferred()
	assert.Equal(t, int64(11), read)
	assert.Equal(t, int64(11), written)
}

func TestCloseCreatesUnwrittenFile(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "touched")

	handle, err := h.Open(path, OpenFlags{Write: true, Creat: true})
	require.NoError(t, err)
	require.NoError(t, h.Close(handle))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestOpenExclusive(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "exists")
	writeFile(t, path, "x")

	_, err := h.Open(path, OpenFlags{Write: true, Creat: true, Excl: true})
	requireCode(t, StatusFailure, err)
}

func TestStat(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "f")
	writeFile(t, path, "12345")
	require.NoError(t, os.Symlink(path, filepath.Join(root, "link")))

	fi, err := h.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), fi.Size())

	fi, err = h.Lstat(filepath.Join(root, "link"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)

	fi, err = h.Stat("f")
	require.NoError(t, err, "relative paths resolve against the root")
	assert.Equal(t, "f", fi.Name())

	_, err = h.Stat(filepath.Join(root, "missing"))
	requireCode(t, StatusNoSuchFile, err)
	_, err = h.Lstat(filepath.Join(root, "missing"))
	requireCode(t, StatusNoSuchFile, err)
	_, err = h.Fstat("no-such-handle")
	requireCode(t, StatusNoSuchFile, err)
}

func TestRealPath(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	got, err := h.RealPath(".")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	got, err = h.RealPath("d/../d/./")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(want, "d"), got)

	_, err = h.RealPath("missing")
	assert.Error(t, err)
}

func TestMutations(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	dir := filepath.Join(root, "dir")

	require.NoError(t, h.Mkdir(dir, Attrs{}))
	err := h.Mkdir(dir, Attrs{})
	requireCode(t, StatusFailure, err)
	assert.Contains(t, err.(*Status).Message, "file exists")

	file := filepath.Join(dir, "f")
	writeFile(t, file, "x")

	requireCode(t, StatusFailure, h.Rmdir(file))
	requireCode(t, StatusFailure, h.Remove(dir))
	requireCode(t, StatusFailure, h.Rmdir(dir), "directory not empty")

	moved := filepath.Join(root, "moved")
	require.NoError(t, h.Rename(file, moved))
	require.NoError(t, h.Remove(moved))
	require.NoError(t, h.Rmdir(dir))

	err = h.Remove(filepath.Join(root, "missing"))
	requireCode(t, StatusFailure, err)
	assert.Contains(t, err.Error(), "no such file or directory")
}

func TestSymlinkAndReadlink(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	target := filepath.Join(root, "target")
	writeFile(t, target, "x")
	link := filepath.Join(root, "link")

	require.NoError(t, h.Symlink(target, link))
	got, err := h.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	_, err = h.Readlink(target)
	requireCode(t, StatusNoSuchFile, err)
}

func TestSetstat(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "f")
	writeFile(t, path, "0123456789")

	require.NoError(t, h.Setstat(path, Attrs{Size: 4, HasSize: true, Mode: 0o600, HasMode: true}))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4), fi.Size())
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	require.NoError(t, h.Setstat(path, Attrs{}))
}

func TestReadOnly(t *testing.T) {
	h, root := newTestHandler(t, Options{ReadOnly: true})
	path := filepath.Join(root, "f")
	writeFile(t, path, "x")

	_, err := h.Open(filepath.Join(root, "new"), OpenFlags{Write: true, Creat: true})
	requireCode(t, StatusPermissionDenied, err)
	requireCode(t, StatusPermissionDenied, h.Mkdir(filepath.Join(root, "d"), Attrs{}))
	requireCode(t, StatusPermissionDenied, h.Remove(path))
	requireCode(t, StatusPermissionDenied, h.Rename(path, path+".bak"))

	handle, err := h.Open(path, OpenFlags{Read: true})
	require.NoError(t, err)
	requireCode(t, StatusPermissionDenied, h.Write(handle, 0, []byte("y")))
	data, err := h.Read(handle, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestInvalidHandles(t *testing.T) {
	h, _ := newTestHandler(t, Options{})

	_, err := h.Read("bogus", 0, 1)
	requireCode(t, StatusNoSuchFile, err)
	requireCode(t, StatusNoSuchFile, h.Write("bogus", 0, []byte("x")))
	requireCode(t, StatusNoSuchFile, h.Close("bogus"))

	dir, err := h.OpenDir(".")
	require.NoError(t, err)
	_, err = h.Read(dir, 0, 1)
	requireCode(t, StatusNoSuchFile, err)
}

func TestUnsupported(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	err := h.Unsupported("Link")
	requireCode(t, StatusOpUnsupported, err)
	assert.Contains(t, err.Error(), "Link")
}

func TestReleaseClosesHandles(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	path := filepath.Join(root, "f")
	writeFile(t, path, "abc")

	rh, err := h.Open(path, OpenFlags{Read: true})
	require.NoError(t, err)
	_, err = h.Read(rh, 0, 1)
	require.NoError(t, err)
	_, err = h.OpenDir(root)
	require.NoError(t, err)

	assert.Equal(t, 2, h.OpenHandles())
	assert.Equal(t, 2, h.Release())
	assert.Zero(t, h.OpenHandles())

	_, err = h.Read(rh, 1, 1)
	requireCode(t, StatusNoSuchFile, err)
	assert.Zero(t, h.Release())
}

func TestHandleTokensUnique(t *testing.T) {
	h, root := newTestHandler(t, Options{})
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		handle, err := h.OpenDir(root)
		require.NoError(t, err)
		require.False(t, seen[handle], "duplicate handle %s", handle)
		seen[handle] = true
	}
}

func TestOperationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h, root := newTestHandler(t, Options{Metrics: m})

	_, err := h.Stat(filepath.Join(root, "missing"))
	require.Error(t, err)
	_, err = h.Stat(root)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SFTPOps.WithLabelValues("stat", "no_such_file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SFTPOps.WithLabelValues("stat", "ok")))
}
