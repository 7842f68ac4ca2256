// Package server is the process entry point: it parses flags, loads
// the YAML config, optionally daemonises, and starts one nbd.Listener
// per configured server block. Grounded on the upstream server
// package's Run/Control shape (visible only through
// server_test.go's StartNbd in the retrieved pack) and on the
// teacher's bracketed-level logging idiom.
package server

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/nbdchain/nbdchain/nbd"
	"github.com/sevlyar/go-daemon"
	"golang.org/x/net/context"
	"gopkg.in/yaml.v2"
)

var (
	configFile = flag.String("c", "/etc/nbdchaind.conf", "Config file")
	foreground = flag.Bool("f", false, "Run in foreground (do not daemonise)")
	pidFile    = flag.String("p", "", "PID file (daemon mode only)")
	logFile    = flag.String("l", "", "Log file (default stderr)")
	debugFlag  = flag.Bool("d", false, "Protocol-level debug logging (accepted but has no effect)")
)

// Config is the top-level config file shape: a list of independent
// server blocks, plus a logging section. Grounded on
// server_test.go's ConfigTemplate ("servers:" / "logging:").
type Config struct {
	Servers []nbd.ServerConfig
	Logging LoggingConfig
}

// LoggingConfig controls where process log output goes.
type LoggingConfig struct {
	File string
}

// Control lets a caller (tests, or a future signal handler) stop a
// running server set without killing the process.
type Control struct {
	quit chan struct{}
}

// Run loads the config named by -c, starts every configured server,
// and blocks until control.quit is closed (or, with control == nil,
// forever). Mirrors the teacher's single flat "parse flags, then
// run forever" main().
func Run(control *Control) {
	if !flag.Parsed() {
		flag.Parse()
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Printf("[ERROR] Could not load config %s: %v", *configFile, err)
		os.Exit(1)
	}

	if cfg.Logging.File != "" {
		*logFile = cfg.Logging.File
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Printf("[ERROR] Could not open log file %s: %v", *logFile, err)
			os.Exit(1)
		}
		logger = log.New(f, "", log.LstdFlags)
	}

	if *foreground && *logFile == "" && isatty.IsTerminal(os.Stderr.Fd()) {
		logger.Printf("[INFO] running in foreground attached to a terminal")
	}

	if !*foreground {
		ctx := &daemon.Context{
			PidFileName: *pidFile,
			PidFilePerm: 0644,
			LogFileName: *logFile,
		}
		d, err := ctx.Reborn()
		if err != nil {
			logger.Printf("[ERROR] Could not daemonise: %v", err)
			os.Exit(1)
		}
		if d != nil {
			// parent process: the child has been spawned, we're done
			return
		}
		defer func() { _ = ctx.Release() }()
	}

	runServers(logger, cfg, control)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func runServers(logger *log.Logger, cfg *Config, control *Control) {
	parentCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	defer sessionCancel()

	var sessionWg sync.WaitGroup
	for _, s := range cfg.Servers {
		go nbd.StartServer(parentCtx, sessionCtx, &sessionWg, logger, s)
	}

	if control == nil {
		select {}
	}
	<-control.quit
	cancel()
	sessionCancel()
	sessionWg.Wait()
}
