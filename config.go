package webserv

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hollis-r/go-webserv/internal/dbpool"
	"github.com/hollis-r/go-webserv/internal/logging"
)

// Trigger modes: which side of the server runs edge-triggered.
const (
	TrigLT       = 0 // listener LT, connections LT
	TrigConnET   = 1 // connections ET
	TrigListenET = 2 // listener ET
	TrigET       = 3 // both ET
)

// Config carries the constructor-time parameters of a Server.
type Config struct {
	Port int
	// TrigMode selects edge/level triggering per TrigLT..TrigET. Values
	// outside 0..3 silently fall back to full ET.
	TrigMode int
	// Timeout is the idle-connection expiry; 0 disables the timer.
	Timeout time.Duration
	// SrcDir is the absolute static file root.
	SrcDir string

	// DB configures the connection pool; an empty Host disables database
	// verification and login/registration fails closed.
	DB dbpool.Config

	// Workers is the worker pool size.
	Workers int

	// OpenLog enables file logging; with it off the server logs nowhere.
	OpenLog bool
	// LogLevel is 0..3 = debug/info/warn/error.
	LogLevel int
	// LogQueue is the async queue capacity; 0 means synchronous logging.
	LogQueue int
	// LogDir is the log directory; "./webserv_log" if empty.
	LogDir string
}

// validate rejects configurations the server cannot start with.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return NewError("config", KindConfig, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.SrcDir == "" {
		return NewError("config", KindConfig, "srcDir is required")
	}
	if !filepath.IsAbs(c.SrcDir) {
		return NewError("config", KindConfig, "srcDir must be absolute: "+c.SrcDir)
	}
	st, err := os.Stat(c.SrcDir)
	if err != nil || !st.IsDir() {
		return NewError("config", KindConfig, "srcDir is not a directory: "+c.SrcDir)
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.LogDir == "" {
		c.LogDir = "./webserv_log"
	}
	return nil
}

// logger builds the configured log sink.
func (c *Config) logger() (*logging.Logger, error) {
	if !c.OpenLog {
		return logging.Nop(), nil
	}
	level := logging.LogLevel(c.LogLevel)
	if level < logging.LevelDebug || level > logging.LevelError {
		level = logging.LevelInfo
	}
	return logging.New(logging.Config{
		Level:  level,
		Dir:    c.LogDir,
		Suffix: ".log",
		Async:  c.LogQueue > 0,
		Queue:  c.LogQueue,
	})
}
