// Command voicemesh runs either a TTS worker node or the fleet controller.
//
//	voicemesh server --listen-port 8080 --controller-url http://ctrl:9000 ...
//	voicemesh controller --listen-port 9000 ...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/voicemesh/voicemesh/internal/controller"
	"github.com/voicemesh/voicemesh/internal/model"
	"github.com/voicemesh/voicemesh/internal/server"
)

func main() {
	logger := log.New("app", "voicemesh")
	os.Exit(run(logger, os.Args[1:]))
}

func run(logger log.Logger, args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "server":
		return runServer(ctx, logger, args[1:])
	case "controller":
		return runController(ctx, logger, args[1:])
	default:
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: voicemesh <server|controller> [flags]")
}

func runServer(ctx context.Context, logger log.Logger, args []string) int {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	listenIP := fs.String("listen-ip", "0.0.0.0", "ip to listen on")
	listenPort := fs.Int("listen-port", 8080, "port to listen on")
	advertiseURL := fs.String("advertise-url", "", "base url peers use to reach this worker")
	controllerURL := fs.String("controller-url", "", "controller url; empty runs standalone")
	maxSessions := fs.Int("max-sessions", 10, "maximum concurrent local sessions")
	inputTimeout := fs.Float64("session-input-timeout", 2.0, "seconds of input silence before a session is dropped")
	outputTimeout := fs.Float64("session-output-timeout", 3.0, "seconds without produced audio before a session is dropped")
	password := fs.String("password", "", "bearer token required on connections")
	modelDir := fs.String("model-directory", "./data/finetune-fp16", "directory containing model weights")
	mock := fs.Bool("mock", false, "serve with the mock synthesis engine")
	fs.Parse(args)

	cfg := server.Config{
		ListenIP:             *listenIP,
		ListenPort:           *listenPort,
		AdvertiseURL:         *advertiseURL,
		ControllerURL:        *controllerURL,
		MaxSessions:          *maxSessions,
		SessionInputTimeout:  time.Duration(*inputTimeout * float64(time.Second)),
		SessionOutputTimeout: time.Duration(*outputTimeout * float64(time.Second)),
		Password:             *password,
		ModelDirectory:       *modelDir,
	}
	if err := cfg.Validate(); err != nil {
		logger.Crit("invalid configuration", "err", err)
		return 1
	}

	if !*mock {
		// The inference engine loads from model-directory in engine-enabled
		// builds; this build only bundles the mock.
		logger.Crit("no inference engine bundled in this build, run with --mock")
		return 1
	}
	mdl := model.NewMockModel()

	var health server.Health
	if cfg.ControllerURL != "" {
		health = server.NewControllerHealth(cfg, logger)
	} else {
		health = server.NewStandaloneHealth(cfg)
	}

	srv := server.New(cfg, health, mdl, logger)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if err := g.Wait(); err != nil {
		logger.Crit("worker failed", "err", err)
		return 1
	}
	return 0
}

func runController(ctx context.Context, logger log.Logger, args []string) int {
	fs := flag.NewFlagSet("controller", flag.ExitOnError)
	listenIP := fs.String("listen-ip", "0.0.0.0", "ip to listen on")
	listenPort := fs.Int("listen-port", 8080, "port to listen on")
	password := fs.String("password", "", "bearer token required on health routes")
	fs.Parse(args)

	ctrl := controller.New(controller.Config{
		ListenIP:   *listenIP,
		ListenPort: *listenPort,
		Password:   *password,
	}, logger)
	if err := ctrl.Run(ctx); err != nil {
		logger.Crit("controller failed", "err", err)
		return 1
	}
	return 0
}
