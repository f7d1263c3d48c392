package webserv

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSite(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	pages := map[string]string{
		"index.html":   "hello world\n",
		"404.html":     "<h1>not found</h1>",
		"welcome.html": "<h1>welcome</h1>",
		"error.html":   "<h1>error</h1>",
	}
	for name, content := range pages {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func startServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Port:     0, // ephemeral
		TrigMode: TrigET,
		Timeout:  0,
		SrcDir:   writeSite(t),
		Workers:  4,
		OpenLog:  false,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	go s.Start()
	t.Cleanup(s.Shutdown)
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readResponse parses one response off the wire: status line, headers,
// then Content-length bytes of body.
func readResponse(t *testing.T, br *bufio.Reader) (status string, headers map[string]string, body string) {
	t.Helper()
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	status = strings.TrimRight(line, "\r\n")

	headers = map[string]string{}
	for {
		line, err = br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ": ")
		require.True(t, ok, "header line %q", line)
		headers[k] = v
	}
	n, err := strconv.Atoi(headers["Content-length"])
	require.NoError(t, err, "Content-length missing in %v", headers)
	buf := make([]byte, n)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	return status, headers, string(buf)
}

func TestServeIndex(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	status, headers, body := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, "text/html", headers["Content-type"])
	assert.Equal(t, "12", headers["Content-length"])
	assert.Equal(t, "hello world\n", body)
	assert.Equal(t, "close", headers["Connection"])
}

func TestNotFoundServesErrorPage(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)

	_, err := conn.Write([]byte("GET /missing HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	status, _, body := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "HTTP/1.1 404 Not Found", status)
	assert.Equal(t, "<h1>not found</h1>", body)
}

func TestMalformedRequestIs400(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)

	_, err := conn.Write([]byte("definitely not http\r\n\r\n"))
	require.NoError(t, err)

	status, headers, _ := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "HTTP/1.1 400 Bad Request", status)
	assert.Equal(t, "close", headers["Connection"])
}

func TestKeepAliveServesMultipleRequests(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		_, err := conn.Write([]byte("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"))
		require.NoError(t, err, "request %d", i)
		status, headers, body := readResponse(t, br)
		assert.Equal(t, "HTTP/1.1 200 OK", status, "request %d", i)
		assert.Equal(t, "keep-alive", headers["Connection"])
		assert.Equal(t, "max=6, timeout=120", headers["keep-alive"])
		assert.Equal(t, "hello world\n", body)
	}
}

func TestLevelTriggeredModeServes(t *testing.T) {
	s := startServer(t, func(c *Config) { c.TrigMode = TrigLT })
	conn := dial(t, s)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	status, _, body := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, "hello world\n", body)
}

func TestInvalidTrigModeDefaultsToET(t *testing.T) {
	s := startServer(t, func(c *Config) { c.TrigMode = 42 })
	conn := dial(t, s)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	status, _, _ := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "HTTP/1.1 200 OK", status)
}

func TestIdleConnectionExpires(t *testing.T) {
	s := startServer(t, func(c *Config) { c.Timeout = 150 * time.Millisecond })
	conn := dial(t, s)

	// Say nothing; the server must close us after the idle timeout.
	start := time.Now()
	one := make([]byte, 1)
	_, err := conn.Read(one)
	assert.ErrorIs(t, err, io.EOF)
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 100*time.Millisecond, "closed too early")
	assert.Less(t, elapsed, 3*time.Second, "closed too late")

	waitUsers(t, s, 0)
	assert.GreaterOrEqual(t, s.Metrics().Snapshot().IdleExpired, uint64(1))
}

func TestActiveConnectionDoesNotExpire(t *testing.T) {
	s := startServer(t, func(c *Config) { c.Timeout = 300 * time.Millisecond })
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	// Keep touching the connection at half the timeout; it must survive.
	for i := 0; i < 4; i++ {
		time.Sleep(150 * time.Millisecond)
		_, err := conn.Write([]byte("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"))
		require.NoError(t, err, "round %d", i)
		status, _, _ := readResponse(t, br)
		require.Equal(t, "HTTP/1.1 200 OK", status, "round %d", i)
	}
}

func TestConcurrentKeepAliveClients(t *testing.T) {
	const clients = 50
	const requests = 10

	s := startServer(t, func(c *Config) { c.Workers = 8 })
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), 2*time.Second)
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			br := bufio.NewReader(conn)
			for j := 0; j < requests; j++ {
				if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")); err != nil {
					errCh <- err
					return
				}
				if err := expectOK(br); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	waitUsers(t, s, 0)
	snap := s.Metrics().Snapshot()
	assert.Equal(t, uint64(clients*requests), snap.Requests)
	assert.Equal(t, uint64(clients), snap.AcceptedConns)
}

func expectOK(br *bufio.Reader) error {
	line, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		return fmt.Errorf("status %q", line)
	}
	var length int
	for {
		line, err = br.ReadString('\n')
		if err != nil {
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if v, ok := strings.CutPrefix(trimmed, "Content-length: "); ok {
			length, _ = strconv.Atoi(v)
		}
	}
	_, err = io.CopyN(io.Discard, br, int64(length))
	return err
}

// waitUsers polls until the live-connection gauge reaches want.
func waitUsers(t *testing.T, s *Server, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.ActiveUsers() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ActiveUsers = %d, want %d", s.ActiveUsers(), want)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{Port: 80, SrcDir: "relative/dir"})
	require.Error(t, err)
	assert.ErrorIs(t, err, NewError("", KindConfig, ""))

	_, err = New(Config{Port: -1, SrcDir: "/tmp"})
	require.Error(t, err)

	_, err = New(Config{Port: 80, SrcDir: filepath.Join(os.TempDir(), "does-not-exist-webserv")})
	require.Error(t, err)
}

func TestShutdownReleasesEverything(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, expectOK(bufio.NewReader(conn)))

	s.Shutdown()
	assert.Equal(t, int64(0), s.ActiveUsers())

	one := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(one)
	assert.Error(t, err) // closed underneath us
}
