// Command beacon-server runs the Beacon cluster coordinator: the lock
// manager, the configuration store, UDP discovery, the channel bus, and
// the TCP/UDS session server, all wired together from one process
// (spec.md §6 EXTERNAL INTERFACES).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/esrf-bcu/beacon/internal/beaconserver"
	"github.com/esrf-bcu/beacon/internal/channelbus"
	"github.com/esrf-bcu/beacon/internal/configstore"
	"github.com/esrf-bcu/beacon/internal/discovery"
	"github.com/esrf-bcu/beacon/internal/lockmgr"
	"github.com/esrf-bcu/beacon/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type serverFlags struct {
	port       int
	redisPort  int
	dbPath     string
	posixQueue int
	logLevel   string
	runtimeDir string
}

func newRootCmd() *cobra.Command {
	var f serverFlags

	cmd := &cobra.Command{
		Use:   "beacon-server",
		Short: "Run the Beacon cluster coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			// --posix-queue is the legacy named-pipe-vs-posix-mq toggle from
			// the original daemon; nothing in this implementation forks a
			// queue-backed worker, so it is accepted and ignored (spec.md §6).
			_ = f.posixQueue
			log, err := newLogger(f.logLevel)
			if err != nil {
				return err
			}
			return run(cmd.Context(), f, log)
		},
	}

	cmd.Flags().IntVar(&f.port, "port", 0, "TCP port to listen on")
	cmd.Flags().IntVar(&f.redisPort, "redis-port", 6379, "redis port advertised via REDIS_ADDR_REPLY")
	cmd.Flags().StringVar(&f.dbPath, "db-path", "", "configuration root directory")
	cmd.Flags().IntVar(&f.posixQueue, "posix-queue", 0, "legacy flag, ignored")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&f.runtimeDir, "runtime-dir", os.TempDir(), "directory for the unix-domain socket created on upgrade")
	_ = cmd.MarkFlagRequired("port")
	_ = cmd.MarkFlagRequired("db-path")

	return cmd
}

func newLogger(level string) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("beacon-server: invalid --log-level %q: %w", level, err)
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	return logrus.NewEntry(logger), nil
}

func run(ctx context.Context, f serverFlags, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	store, err := configstore.Open(f.dbPath, log)
	if err != nil {
		return fmt.Errorf("beacon-server: open config store: %w", err)
	}
	defer store.Close()
	if err := store.Watch(); err != nil {
		log.WithError(err).Warn("beacon-server: live reload disabled")
	}

	listener, err := transport.Listen(fmt.Sprintf(":%d", f.port), f.runtimeDir)
	if err != nil {
		return fmt.Errorf("beacon-server: listen: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("127.0.0.1:%d", f.redisPort)})
	defer redisClient.Close()

	bus, err := channelbus.NewBus(ctx, redisClient, hostname, log)
	if err != nil {
		log.WithError(err).Warn("beacon-server: channel bus disabled")
		bus = nil
	}
	if bus != nil {
		defer bus.Close()
	}

	responder := discovery.NewResponder(log)
	defer responder.Close()
	go func() {
		addr := fmt.Sprintf(":%d", discovery.DefaultServerPort)
		if err := responder.ListenAndServe(ctx, addr, f.port); err != nil {
			log.WithError(err).Warn("beacon-server: discovery responder stopped")
		}
	}()

	redisAddr := fmt.Sprintf("%s:%d", hostname, f.redisPort)
	srv := beaconserver.New(listener, lockmgr.New(), store, redisAddr, log)

	log.WithFields(logrus.Fields{
		"port":       f.port,
		"redis-port": f.redisPort,
		"db-path":    f.dbPath,
	}).Info("beacon-server: serving")

	return srv.Serve(ctx)
}
