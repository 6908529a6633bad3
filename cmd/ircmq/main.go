package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dalnet/ircmq/internal/acl"
	"github.com/dalnet/ircmq/internal/bus"
	"github.com/dalnet/ircmq/internal/config"
	"github.com/dalnet/ircmq/internal/gateway"
	"github.com/dalnet/ircmq/internal/irc"
	"github.com/dalnet/ircmq/internal/storage"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

func main() {
	foreground := pflag.BoolP("foreground", "x", false, "Run in foreground (don't daemonize)")
	configPath := pflag.StringP("config", "c", "./config.yaml", "Path to configuration file")
	showVersion := pflag.BoolP("version", "v", false, "Show version information and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("ircmq version %s\n", version)
		fmt.Printf("Built: %s\n", buildDate)
		fmt.Printf("Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	// Daemonize unless -x flag is set
	if !*foreground {
		daemonize()
		return
	}

	if err := writePIDFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ircmq: %v\n", err)
		os.Exit(1)
	}
}

// daemonize re-executes the binary in the foreground in a new session and
// exits the parent.
func daemonize() {
	args := append(os.Args[1:], "--foreground")

	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fork: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Now becoming a daemon\nMy pid is %d, this has been written to pid.txt\n", cmd.Process.Pid)
	os.Exit(0)
}

func writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(configPath string) error {
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal, err := storage.OpenJournal(cfg.DataDir, log)
	if err != nil {
		return fmt.Errorf("failed to open command journal: %w", err)
	}

	store, err := acl.Open(ctx, cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return err
	}
	defer store.Close()

	dir := irc.NewDirectory()
	registry := gateway.NewRegistry(log)
	engine := acl.NewEngine(store, registry, log)

	opts := irc.Options{
		Addr:      cfg.Addr(),
		Password:  cfg.ServerPass,
		Nick:      cfg.Nick,
		Alternate: cfg.Alternate,
		User:      cfg.Username,
		RealName:  cfg.IRCName,
		Channel:   cfg.Channel,
	}
	if cfg.UseTLS {
		opts.TLS = &tls.Config{ServerName: cfg.Server}
	}

	// the session only calls its handler once Run starts, after gw is set
	var gw *gateway.Gateway
	session := irc.NewSession(opts, dir, func(msg ircmsg.Message) { gw.HandleMessage(msg) }, log)

	mq := bus.New(bus.Options{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Prefix:   cfg.MQTTTopicPrefix,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, log)
	defer mq.Close()

	gw = gateway.New(gateway.Config{
		Channel:   cfg.Channel,
		Prefix:    cfg.Prefix(),
		IRC:       session,
		Bus:       mq,
		Directory: dir,
		ACL:       engine,
		Registry:  registry,
		Journal:   journal,
		Logger:    log,
	})
	gw.Subscribe(mq)
	mq.OnConnect(gw.Announce)

	log.Info("starting gateway",
		zap.String("version", version),
		zap.String("server", cfg.Addr()),
		zap.String("channel", cfg.Channel),
		zap.String("broker", cfg.MQTTBroker))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mq.Connect(gctx) })
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return irc.NewKeepalive(session, log).Run(gctx) })
	g.Go(func() error { return store.Supervise(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return nil
	}
	return err
}
