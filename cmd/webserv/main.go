package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hollis-r/go-webserv"
	"github.com/hollis-r/go-webserv/internal/dbpool"
)

// fileConfig mirrors the optional TOML config file. Flags overlay whatever
// the file sets.
type fileConfig struct {
	Port      int    `toml:"port"`
	TrigMode  int    `toml:"trig_mode"`
	TimeoutMS int    `toml:"timeout_ms"`
	SrcDir    string `toml:"src_dir"`
	Workers   int    `toml:"workers"`

	DB struct {
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		User     string `toml:"user"`
		Password string `toml:"password"`
		Name     string `toml:"name"`
		PoolSize int    `toml:"pool_size"`
	} `toml:"db"`

	Log struct {
		Enabled bool   `toml:"enabled"`
		Level   int    `toml:"level"`
		Queue   int    `toml:"queue"`
		Dir     string `toml:"dir"`
	} `toml:"log"`
}

func defaultConfig() fileConfig {
	var c fileConfig
	c.Port = 1316
	c.TrigMode = 3
	c.TimeoutMS = 60000
	c.Workers = 8
	c.DB.Port = 3306
	c.DB.PoolSize = 16
	c.Log.Enabled = true
	c.Log.Level = 1
	c.Log.Queue = 1024
	return c
}

func main() {
	cfg := defaultConfig()
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "webserv",
		Short: "epoll-based HTTP/1.1 static file and login server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				data, err := os.ReadFile(configPath)
				if err != nil {
					return fmt.Errorf("read config: %w", err)
				}
				fromFile := defaultConfig()
				if err := toml.Unmarshal(data, &fromFile); err != nil {
					return fmt.Errorf("parse config: %w", err)
				}
				overlayFlags(cmd, &fromFile, &cfg)
				cfg = fromFile
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}

	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "TOML config file")
	f.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	f.IntVar(&cfg.TrigMode, "trig-mode", cfg.TrigMode, "trigger mode 0..3 (LT/conn-ET/listen-ET/ET)")
	f.IntVar(&cfg.TimeoutMS, "timeout-ms", cfg.TimeoutMS, "idle connection timeout in ms (0 disables)")
	f.StringVar(&cfg.SrcDir, "src-dir", cfg.SrcDir, "static file root (default <cwd>/resources)")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker pool size")
	f.StringVar(&cfg.DB.Host, "db-host", cfg.DB.Host, "MySQL host (empty disables login)")
	f.IntVar(&cfg.DB.Port, "db-port", cfg.DB.Port, "MySQL port")
	f.StringVar(&cfg.DB.User, "db-user", cfg.DB.User, "MySQL user")
	f.StringVar(&cfg.DB.Password, "db-password", cfg.DB.Password, "MySQL password")
	f.StringVar(&cfg.DB.Name, "db-name", cfg.DB.Name, "database name")
	f.IntVar(&cfg.DB.PoolSize, "db-pool", cfg.DB.PoolSize, "DB connection pool size")
	f.BoolVar(&cfg.Log.Enabled, "log", cfg.Log.Enabled, "enable file logging")
	f.IntVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level 0..3 = debug/info/warn/error")
	f.IntVar(&cfg.Log.Queue, "log-queue", cfg.Log.Queue, "async log queue size (0 = synchronous)")
	f.StringVar(&cfg.Log.Dir, "log-dir", cfg.Log.Dir, "log directory")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// overlayFlags copies explicitly-set flag values over the file config so
// the command line always wins.
func overlayFlags(cmd *cobra.Command, dst, flags *fileConfig) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("port") {
		dst.Port = flags.Port
	}
	if set("trig-mode") {
		dst.TrigMode = flags.TrigMode
	}
	if set("timeout-ms") {
		dst.TimeoutMS = flags.TimeoutMS
	}
	if set("src-dir") {
		dst.SrcDir = flags.SrcDir
	}
	if set("workers") {
		dst.Workers = flags.Workers
	}
	if set("db-host") {
		dst.DB.Host = flags.DB.Host
	}
	if set("db-port") {
		dst.DB.Port = flags.DB.Port
	}
	if set("db-user") {
		dst.DB.User = flags.DB.User
	}
	if set("db-password") {
		dst.DB.Password = flags.DB.Password
	}
	if set("db-name") {
		dst.DB.Name = flags.DB.Name
	}
	if set("db-pool") {
		dst.DB.PoolSize = flags.DB.PoolSize
	}
	if set("log") {
		dst.Log.Enabled = flags.Log.Enabled
	}
	if set("log-level") {
		dst.Log.Level = flags.Log.Level
	}
	if set("log-queue") {
		dst.Log.Queue = flags.Log.Queue
	}
	if set("log-dir") {
		dst.Log.Dir = flags.Log.Dir
	}
}

func run(cfg fileConfig) error {
	srcDir := cfg.SrcDir
	if srcDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		srcDir = filepath.Join(cwd, "resources")
	}
	if !filepath.IsAbs(srcDir) {
		abs, err := filepath.Abs(srcDir)
		if err != nil {
			return err
		}
		srcDir = abs
	}

	server, err := webserv.New(webserv.Config{
		Port:     cfg.Port,
		TrigMode: cfg.TrigMode,
		Timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		SrcDir:   srcDir,
		DB: dbpool.Config{
			Host:     cfg.DB.Host,
			Port:     cfg.DB.Port,
			User:     cfg.DB.User,
			Password: cfg.DB.Password,
			Name:     cfg.DB.Name,
			Size:     cfg.DB.PoolSize,
		},
		Workers:  cfg.Workers,
		OpenLog:  cfg.Log.Enabled,
		LogLevel: cfg.Log.Level,
		LogQueue: cfg.Log.Queue,
		LogDir:   cfg.Log.Dir,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
		server.Shutdown()
	}()

	fmt.Printf("webserv listening on :%d (src %s)\n", server.Port(), srcDir)
	if err := server.Start(); err != nil {
		return err
	}

	snap := server.Metrics().Snapshot()
	fmt.Printf("served %d requests on %d connections (%d bytes out, %d idle expiries)\n",
		snap.Requests, snap.AcceptedConns, snap.BytesWritten, snap.IdleExpired)
	return nil
}
