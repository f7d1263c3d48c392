// Package dbpool provides the bounded database connection pool and the user
// credential store behind login/registration.
//
// The pool pre-opens a fixed set of dedicated connections and hands them out
// FIFO under a counting semaphore, so at most Size verification calls touch
// the database at once regardless of worker count.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/sync/semaphore"

	"github.com/hollis-r/go-webserv/internal/logging"
)

// Config identifies the database and the pool size.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string // database name
	Size     int    // pool capacity (MAX_CONN)
}

// DSN renders the driver connection string.
func (c Config) DSN() string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	mc.User = c.User
	mc.Passwd = c.Password
	mc.DBName = c.Name
	return mc.FormatDSN()
}

// Pool is a fixed set of pre-opened connections.
type Pool struct {
	db    *sql.DB
	sem   *semaphore.Weighted
	mu    sync.Mutex
	conns []*sql.Conn
	size  int
}

// Open connects to MySQL and pre-opens cfg.Size connections.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("dbpool: open: %w", err)
	}
	p, err := New(ctx, db, cfg.Size)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// New builds a pool of size dedicated connections drawn from db. The pool
// takes ownership of db.
func New(ctx context.Context, db *sql.DB, size int) (*Pool, error) {
	if size <= 0 {
		size = 10
	}
	db.SetMaxOpenConns(size)
	p := &Pool{db: db, sem: semaphore.NewWeighted(int64(size)), size: size}
	for i := 0; i < size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("dbpool: conn %d/%d: %w", i+1, size, err)
		}
		p.conns = append(p.conns, conn)
	}
	return p, nil
}

// Acquire waits for a free slot and pops a connection. Every Acquire must
// be paired with Release; prefer With.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := p.conns[0]
	p.conns = p.conns[1:]
	return conn, nil
}

// Release returns a connection to the pool.
func (p *Pool) Release(conn *sql.Conn) {
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	p.sem.Release(1)
}

// With runs fn on a pooled connection, releasing it on every exit path.
func (p *Pool) With(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// FreeCount returns the number of idle connections.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every remaining connection and the underlying handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return p.db.Close()
}

const verifyTimeout = 5 * time.Second

// UserStore answers login and registration against the user table.
type UserStore struct {
	pool *Pool
	log  *logging.Logger
}

// NewUserStore wraps pool; log may be logging.Nop().
func NewUserStore(pool *Pool, log *logging.Logger) *UserStore {
	if log == nil {
		log = logging.Nop()
	}
	return &UserStore{pool: pool, log: log}
}

// Verify checks credentials for login, or creates the account for
// registration. Queries are parameterized; values never reach the SQL text.
func (s *UserStore) Verify(username, passwd string, isLogin bool) bool {
	if username == "" || passwd == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	ok := false
	err := s.pool.With(ctx, func(conn *sql.Conn) error {
		var stored string
		row := conn.QueryRowContext(ctx,
			"SELECT password FROM user WHERE username=? LIMIT 1", username)
		err := row.Scan(&stored)
		switch {
		case isLogin:
			if err != nil {
				return err
			}
			ok = stored == passwd
			return nil
		case err == sql.ErrNoRows:
			_, err := conn.ExecContext(ctx,
				"INSERT INTO user(username,password) VALUES(?,?)", username, passwd)
			ok = err == nil
			return err
		case err != nil:
			return err
		default: // registration, name taken
			s.log.Infof("register: username %q already used", username)
			return nil
		}
	})
	if err != nil && err != sql.ErrNoRows {
		s.log.Warnf("user verify failed: %v", err)
	}
	return ok
}
