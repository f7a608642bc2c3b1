package sftpd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/sftp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunneld/internal/logger"
	"tunneld/internal/metrics"
)

// newTestClient 在内存管道上运行 Serve 并返回连接到它的 sftp 客户端.
func newTestClient(t *testing.T, opts Options) (*sftp.Client, string) {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	opts.Logger = logger.Discard()
	h, err := NewHandler(opts)
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(serverConn, h) }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		clientConn.Close()
		<-done
		h.Release()
	})
	return client, opts.Root
}

func TestBridgeRoundTrip(t *testing.T) {
	client, root := newTestClient(t, Options{})
	p := path.Join(filepath.ToSlash(root), "hello.txt")

	f, err := client.Create(p)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello over sftp"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	onDisk, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello over sftp", string(onDisk))

	r, err := client.Open(p)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello over sftp", string(data))

	fi, err := client.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello over sftp")), fi.Size())
}

func TestBridgeReadDir(t *testing.T) {
	client, root := newTestClient(t, Options{})
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(name), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

	infos, err := client.ReadDir(filepath.ToSlash(root))
	require.NoError(t, err)

	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a", "b", "c", "dir"}, names)
}

func TestBridgeStatMissing(t *testing.T) {
	client, root := newTestClient(t, Options{})

	_, err := client.Stat(path.Join(filepath.ToSlash(root), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = client.Open(path.Join(filepath.ToSlash(root), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBridgeDirectoryOps(t *testing.T) {
	client, root := newTestClient(t, Options{})
	base := filepath.ToSlash(root)

	require.NoError(t, client.Mkdir(path.Join(base, "d")))
	fi, err := os.Stat(filepath.Join(root, "d"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "f"), []byte("x"), 0o644))
	require.NoError(t, client.Rename(path.Join(base, "d", "f"), path.Join(base, "g")))
	require.NoError(t, client.Remove(path.Join(base, "g")))
	require.NoError(t, client.RemoveDirectory(path.Join(base, "d")))

	_, err = os.Stat(filepath.Join(root, "d"))
	assert.True(t, os.IsNotExist(err))

	err = client.Remove(path.Join(base, "missing"))
	require.Error(t, err)
}

func TestBridgeSymlink(t *testing.T) {
	client, root := newTestClient(t, Options{})
	base := filepath.ToSlash(root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "target"), []byte("x"), 0o644))

	require.NoError(t, client.Symlink(path.Join(base, "target"), path.Join(base, "link")))
	got, err := client.ReadLink(path.Join(base, "link"))
	require.NoError(t, err)
	assert.Equal(t, path.Join(base, "target"), got)

	fi, err := client.Lstat(path.Join(base, "link"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)
}

func TestBridgeReadOnly(t *testing.T) {
	client, root := newTestClient(t, Options{ReadOnly: true})
	base := filepath.ToSlash(root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("ro"), 0o644))

	_, err := client.Create(path.Join(base, "new"))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.ErrorIs(t, client.Mkdir(path.Join(base, "d")), os.ErrPermission)

	r, err := client.Open(path.Join(base, "f"))
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ro", string(data))
	require.NoError(t, r.Close())
}

func TestBridgeUnsupported(t *testing.T) {
	client, root := newTestClient(t, Options{})
	base := filepath.ToSlash(root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))

	err := client.Link(path.Join(base, "f"), path.Join(base, "hard"))
	require.Error(t, err)
	var se *sftp.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint32(StatusOpUnsupported), se.Code)
}

func TestEngineError(t *testing.T) {
	assert.NoError(t, engineError(nil))
	assert.Equal(t, io.EOF, engineError(newStatus(StatusEOF, "")))
	assert.Equal(t, sftp.ErrSSHFxNoSuchFile, engineError(newStatus(StatusNoSuchFile, "x")))
	assert.Equal(t, sftp.ErrSSHFxPermissionDenied, engineError(newStatus(StatusPermissionDenied, "x")))
	assert.Equal(t, sftp.ErrSSHFxOpUnsupported, engineError(newStatus(StatusOpUnsupported, "x")))
	assert.EqualError(t, engineError(newStatus(StatusFailure, "disk full")), "disk full")

	plain := io.ErrUnexpectedEOF
	assert.Equal(t, plain, engineError(plain))
}

func TestListerAt(t *testing.T) {
	dir := t.TempDir()
	fi, err := os.Stat(dir)
	require.NoError(t, err)

	l := listerat{fi, fi, fi}
	buf := make([]os.FileInfo, 2)

	n, err := l.ListAt(buf, 0)
	assert.Equal(t, 2, n)
	assert.NoError(t, err)

	n, err = l.ListAt(buf, 2)
	assert.Equal(t, 1, n)
	assert.Equal(t, io.EOF, err)

	n, err = l.ListAt(buf, 3)
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)
}

func TestBridgeReadWriteHandle(t *testing.T) {
	client, root := newTestClient(t, Options{})
	p := path.Join(filepath.ToSlash(root), "rw.txt")

	f, err := client.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 0)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf[:n]))
	require.NoError(t, f.Close())
}

func TestBridgeOpenWriteMissing(t *testing.T) {
	client, root := newTestClient(t, Options{})
	p := path.Join(filepath.ToSlash(root), "absent")

	_, err := client.OpenFile(p, os.O_WRONLY)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(root, "absent"))
	assert.True(t, os.IsNotExist(err))
}

func TestBridgeFstatRefreshesSize(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	client, root := newTestClient(t, Options{Metrics: m})
	local := filepath.Join(root, "grow.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	f, err := client.Open(path.Join(filepath.ToSlash(root), "grow.txt"))
	require.NoError(t, err)
	defer f.Close()

	out, err := os.OpenFile(local, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = out.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), fi.Size())
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.SFTPOps.WithLabelValues("fstat", "ok")), 1.0)

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

// sftpPacket 按 uint32 长度 + 类型 + 负载编码一个数据包.
func sftpPacket(typ byte, payload []byte) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, uint32(len(payload)+1))
	b.WriteByte(typ)
	b.Write(payload)
	return b.Bytes()
}

func sftpString(s string) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(s)))
	return append(b, s...)
}

type readOnlyStream struct {
	io.Reader
}

func (readOnlyStream) Write(p []byte) (int, error) { return len(p), nil }
func (readOnlyStream) Close() error                { return nil }

func TestInitSnifferPassesVersionAndExtensions(t *testing.T) {
	h, err := NewHandler(Options{Root: t.TempDir(), Logger: logger.Discard()})
	require.NoError(t, err)

	payload := binary.BigEndian.AppendUint32(nil, 3)
	payload = append(payload, sftpString("posix-rename@openssh.com")...)
	payload = append(payload, sftpString("1")...)
	stream := append(sftpPacket(fxpInit, payload), sftpPacket(17, []byte{0, 0, 0, 1})...)

	s := &initSniffer{ReadWriteCloser: readOnlyStream{bytes.NewReader(stream)}, h: h}
	// 逐字节读取, 数据包跨越多次 Read
	got, err := io.ReadAll(io.LimitReader(oneByteReader{s}, int64(len(stream))))
	require.NoError(t, err)
	assert.Equal(t, stream, got, "bytes pass through unchanged")

	assert.True(t, h.initialized)
	assert.Equal(t, uint32(3), h.version)
	assert.Equal(t, map[string]string{"posix-rename@openssh.com": "1"}, h.extensions)
}

func TestInitSnifferIgnoresOtherFirstPacket(t *testing.T) {
	h, err := NewHandler(Options{Root: t.TempDir(), Logger: logger.Discard()})
	require.NoError(t, err)

	stream := sftpPacket(17, []byte{0, 0, 0, 1})
	s := &initSniffer{ReadWriteCloser: readOnlyStream{bytes.NewReader(stream)}, h: h}
	_, err = io.ReadAll(s)
	require.NoError(t, err)

	assert.False(t, h.initialized)
	_, err = h.Stat(".")
	requireCode(t, StatusFailure, err)
}

func TestParseInitMalformed(t *testing.T) {
	_, _, ok := parseInit([]byte{0, 0})
	assert.False(t, ok)

	payload := binary.BigEndian.AppendUint32(nil, 3)
	payload = append(payload, 0, 0, 0, 9, 'x')
	_, _, ok = parseInit(payload)
	assert.False(t, ok)
}

type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}
