// Package webserv is a single-process HTTP/1.1 static file and form-login
// server built on an epoll reactor: one goroutine owns the readiness loop,
// the timer heap and the fd map, and a fixed worker pool performs all
// per-connection I/O under epoll's one-shot discipline.
package webserv

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hollis-r/go-webserv/internal/dbpool"
	"github.com/hollis-r/go-webserv/internal/epoll"
	httpconn "github.com/hollis-r/go-webserv/internal/http"
	"github.com/hollis-r/go-webserv/internal/logging"
	"github.com/hollis-r/go-webserv/internal/pool"
	"github.com/hollis-r/go-webserv/internal/timer"
)

const (
	// MaxFD caps concurrent users; accepts beyond it are refused.
	MaxFD = 65536

	listenBacklog = 8
	maxEvents     = 1024
)

// Server owns the listening socket, the demultiplexer, the timer heap, the
// worker pool and the fd -> connection map. The map and the timer are only
// touched from the reactor goroutine running Start.
type Server struct {
	cfg     Config
	log     *logging.Logger
	metrics *Metrics

	poller  *epoll.Poller
	timer   *timer.Heap
	workers *pool.Pool
	dbPool  *dbpool.Pool // nil when the database is disabled
	shared  *httpconn.Shared

	conns    map[int]*httpconn.Conn
	listenFd int
	wakeFd   int
	port     int // actual bound port

	listenEv uint32
	connEv   uint32

	retired chan *httpconn.Conn

	closed   chan struct{}
	closeOne sync.Once
	done     chan struct{}
}

// New validates cfg and builds a ready-to-start server: logger, optional
// DB pool, listening socket, epoll registration, worker pool.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log, err := cfg.logger()
	if err != nil {
		return nil, NewError("log init", KindConfig, err.Error()).Wrap(err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		metrics:  &Metrics{},
		timer:    timer.NewHeap(),
		conns:    make(map[int]*httpconn.Conn),
		retired:  make(chan *httpconn.Conn, retiredCap),
		listenFd: -1,
		wakeFd:   -1,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.initEventMode(cfg.TrigMode)

	var verifier httpconn.UserVerifier
	if cfg.DB.Host != "" {
		dbp, err := dbpool.Open(context.Background(), cfg.DB)
		if err != nil {
			log.Errorf("db pool init: %v", err)
			s.teardown()
			return nil, NewError("db init", KindDB, err.Error()).Wrap(err)
		}
		s.dbPool = dbp
		verifier = dbpool.NewUserStore(dbp, log)
	}
	s.shared = &httpconn.Shared{
		SrcDir:   cfg.SrcDir,
		ET:       s.connEv&epoll.ET != 0,
		Log:      log,
		Verifier: verifier,
	}

	if err := s.initSocket(); err != nil {
		log.Errorf("server init: %v", err)
		s.teardown()
		return nil, err
	}
	s.workers = pool.New(cfg.Workers)

	log.Infof("================ server init ================")
	log.Infof("port: %d, listen %s, conn %s", s.port,
		trigName(s.listenEv), trigName(s.connEv))
	log.Infof("src dir: %s", cfg.SrcDir)
	log.Infof("db pool: %d, workers: %d", cfg.DB.Size, cfg.Workers)
	return s, nil
}

// Port returns the bound listening port (useful when Config.Port was 0).
func (s *Server) Port() int { return s.port }

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// ActiveUsers returns the number of live connections.
func (s *Server) ActiveUsers() int64 { return s.shared.Users.Load() }

func trigName(ev uint32) string {
	if ev&epoll.ET != 0 {
		return "ET"
	}
	return "LT"
}

// initEventMode maps trigMode onto the epoll flag sets. Out-of-range modes
// fall back to full ET.
func (s *Server) initEventMode(trigMode int) {
	s.listenEv = epoll.RdHup
	s.connEv = epoll.OneShot | epoll.RdHup
	switch trigMode {
	case TrigLT:
	case TrigConnET:
		s.connEv |= epoll.ET
	case TrigListenET:
		s.listenEv |= epoll.ET
	default:
		s.listenEv |= epoll.ET
		s.connEv |= epoll.ET
	}
}

func (s *Server) initSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return NewError("socket", KindConfig, err.Error()).Wrap(err)
	}
	s.listenFd = fd
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return NewError("setsockopt", KindConfig, err.Error()).Wrap(err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.cfg.Port}); err != nil {
		return NewError("bind", KindConfig, err.Error()).Wrap(err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return NewError("listen", KindConfig, err.Error()).Wrap(err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return NewError("getsockname", KindConfig, err.Error()).Wrap(err)
	}
	s.port = sa.(*unix.SockaddrInet4).Port

	s.poller, err = epoll.NewPoller(maxEvents)
	if err != nil {
		return NewError("epoll create", KindConfig, err.Error()).Wrap(err)
	}
	if err := s.poller.Add(fd, s.listenEv|epoll.In); err != nil {
		return NewError("epoll add listen", KindConfig, err.Error()).Wrap(err)
	}

	s.wakeFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return NewError("eventfd", KindConfig, err.Error()).Wrap(err)
	}
	if err := s.poller.Add(s.wakeFd, epoll.In); err != nil {
		return NewError("epoll add wake", KindConfig, err.Error()).Wrap(err)
	}
	return nil
}

// retiredCap bounds the worker-to-reactor close handoff queue.
const retiredCap = 256

// Start runs the reactor loop until Shutdown. It returns nil on a clean
// shutdown; any demultiplexer failure is fatal and returned. Shutdown must
// only be called while Start is running.
func (s *Server) Start() error {
	defer close(s.done)
	defer s.teardown()

	s.log.Infof("================ server start ================")
	for {
		select {
		case <-s.closed:
			return nil
		default:
		}
		timeout := time.Duration(-1)
		if s.cfg.Timeout > 0 {
			timeout = s.timer.NextTick()
		}
		events, err := s.poller.Wait(timeout)
		if err != nil {
			s.log.Errorf("epoll wait: %v", err)
			return NewError("epoll wait", KindFatalIO, err.Error()).Wrap(err)
		}
		s.drainRetired()
		for _, ev := range events {
			switch {
			case ev.Fd == s.listenFd:
				s.dealListen()
			case ev.Fd == s.wakeFd:
				s.drainWake()
			case ev.Events&(epoll.Hup|epoll.RdHup|epoll.Err) != 0:
				s.closeConnByFd(ev.Fd)
			case ev.Events&epoll.In != 0:
				s.dealRead(ev.Fd)
			case ev.Events&epoll.Out != 0:
				s.dealWrite(ev.Fd)
			default:
				s.log.Errorf("unexpected event 0x%x on fd %d", ev.Events, ev.Fd)
			}
		}
	}
}

// Shutdown stops the reactor, waits for it to finish cleanup, and releases
// all resources. Safe to call more than once.
func (s *Server) Shutdown() {
	s.closeOne.Do(func() {
		close(s.closed)
		s.wake()
	})
	<-s.done
}

// wake kicks the reactor out of epoll_wait.
func (s *Server) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(s.wakeFd, one[:])
}

func (s *Server) drainWake() {
	var buf [8]byte
	unix.Read(s.wakeFd, buf[:])
}

// dealListen accepts until EAGAIN in listener-ET mode, once otherwise.
func (s *Server) dealListen() {
	for {
		nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN {
				s.log.Warnf("accept: %v", err)
			}
			return
		}
		if s.shared.Users.Load() >= MaxFD {
			s.sendError(nfd, "Server busy!")
			s.metrics.OverloadRejected.Add(1)
			s.log.Warnf("clients full, refused fd %d", nfd)
			return
		}
		s.addClient(nfd, sockaddrString(sa))
		if s.listenEv&epoll.ET == 0 {
			return
		}
	}
}

func (s *Server) addClient(fd int, peer string) {
	// Always a fresh object: pointer identity distinguishes a reused fd
	// from the connection a worker retired under the same number.
	conn := httpconn.NewConn(s.shared)
	s.conns[fd] = conn
	conn.Init(fd, peer)
	if s.cfg.Timeout > 0 {
		s.timer.Add(fd, s.cfg.Timeout, func() {
			// the entry outlives connections closed by a worker or a hangup
			if cur, ok := s.conns[fd]; ok && !cur.IsClosed() {
				s.metrics.IdleExpired.Add(1)
			}
			s.closeConnByFd(fd)
		})
	}
	if err := s.poller.Add(fd, s.connEv|epoll.In); err != nil {
		s.log.Errorf("epoll add fd %d: %v", fd, err)
		s.closeConnByFd(fd)
		return
	}
	s.metrics.AcceptedConns.Add(1)
}

// sendError replies with a plain-text line and closes the raw fd; used for
// overload before a Conn exists.
func (s *Server) sendError(fd int, msg string) {
	if _, err := unix.Write(fd, []byte(msg)); err != nil {
		s.log.Warnf("send error to fd %d: %v", fd, err)
	}
	unix.Close(fd)
}

// closeConnByFd closes and forgets a connection. Reactor goroutine only.
func (s *Server) closeConnByFd(fd int) {
	conn, ok := s.conns[fd]
	if !ok {
		return
	}
	s.poller.Del(fd)
	conn.Close()
	delete(s.conns, fd)
	s.metrics.ClosedConns.Add(1)
}

// extendTime refreshes the idle deadline on any activity.
func (s *Server) extendTime(fd int) {
	if s.cfg.Timeout > 0 {
		s.timer.Adjust(fd, s.cfg.Timeout)
	}
}

func (s *Server) dealRead(fd int) {
	conn, ok := s.conns[fd]
	if !ok {
		return
	}
	s.extendTime(fd)
	s.workers.Submit(func() { s.onRead(conn) })
}

func (s *Server) dealWrite(fd int) {
	conn, ok := s.conns[fd]
	if !ok {
		return
	}
	s.extendTime(fd)
	s.workers.Submit(func() { s.onWrite(conn) })
}

// onRead runs on a worker: drain the socket, then parse and respond.
func (s *Server) onRead(conn *httpconn.Conn) {
	n, err := conn.Read()
	if n <= 0 && err != unix.EAGAIN {
		if errno, ok := err.(syscall.Errno); ok && Classify(errno) == KindFatalIO {
			s.log.Warnf("read fd %d: %v", conn.Fd(), err)
		}
		s.retire(conn)
		return
	}
	s.metrics.BytesRead.Add(uint64(conn.PendingBytes()))
	s.onProcess(conn)
}

// onProcess re-arms the connection for writing when a response is ready,
// or for more reading when the buffer held nothing useful.
func (s *Server) onProcess(conn *httpconn.Conn) {
	if conn.Process() {
		s.metrics.Requests.Add(1)
		if conn.ResponseCode() == 200 {
			s.metrics.ResponsesOK.Add(1)
		} else {
			s.metrics.ResponsesErr.Add(1)
		}
		s.rearm(conn, epoll.Out)
	} else {
		s.rearm(conn, epoll.In)
	}
}

// onWrite runs on a worker: gather-write, then keep alive, re-arm or close.
func (s *Server) onWrite(conn *httpconn.Conn) {
	before := conn.ToWriteBytes()
	_, err := conn.Write()
	s.metrics.BytesWritten.Add(uint64(before - conn.ToWriteBytes()))
	if conn.ToWriteBytes() == 0 {
		if conn.IsKeepAlive() {
			s.rearm(conn, epoll.In)
			return
		}
		s.retire(conn)
		return
	}
	if err == unix.EAGAIN {
		s.rearm(conn, epoll.Out)
		return
	}
	if errno, ok := err.(syscall.Errno); ok && Classify(errno) == KindFatalIO {
		s.log.Warnf("write fd %d: %v", conn.Fd(), err)
	}
	s.retire(conn)
}

// rearm re-registers one-shot interest; failure means the fd is gone.
func (s *Server) rearm(conn *httpconn.Conn, ev uint32) {
	if err := s.poller.Mod(conn.Fd(), s.connEv|ev); err != nil {
		s.retire(conn)
	}
}

// retire closes a connection from a worker and hands it back to the
// reactor for map cleanup. The send must not block: during teardown the
// reactor is joining workers, not draining. A dropped notification only
// leaves a stale map entry, overwritten when the kernel reuses the fd.
func (s *Server) retire(conn *httpconn.Conn) {
	conn.Close()
	select {
	case s.retired <- conn:
	default:
	}
	s.wake()
}

// drainRetired forgets connections the workers closed. Matching by pointer
// guards against the kernel reusing the fd for a newer connection.
func (s *Server) drainRetired() {
	for {
		select {
		case conn := <-s.retired:
			if cur, ok := s.conns[conn.Fd()]; ok && cur == conn {
				delete(s.conns, conn.Fd())
				s.metrics.ClosedConns.Add(1)
			}
		default:
			return
		}
	}
}

// teardown releases everything; runs on the reactor goroutine (or New on
// init failure).
func (s *Server) teardown() {
	// Join the workers first: in-flight tasks may still touch the poller
	// and their connections.
	if s.workers != nil {
		s.workers.Shutdown()
		s.workers = nil
	}
	for fd, conn := range s.conns {
		conn.Close()
		delete(s.conns, fd)
	}
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	if s.wakeFd >= 0 {
		unix.Close(s.wakeFd)
		s.wakeFd = -1
	}
	if s.poller != nil {
		s.poller.Close()
		s.poller = nil
	}
	if s.dbPool != nil {
		s.dbPool.Close()
		s.dbPool = nil
	}
	s.log.Infof("================ server quit ================")
	s.log.Flush()
	s.log.Close()
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", netip.AddrFrom4(a.Addr), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", netip.AddrFrom16(a.Addr), a.Port)
	default:
		return "unknown"
	}
}
