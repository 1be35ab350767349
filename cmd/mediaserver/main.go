package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/mediaplane/sfu/pkg/bwe"
	"github.com/mediaplane/sfu/pkg/config"
	"github.com/mediaplane/sfu/pkg/forwarder"
	"github.com/mediaplane/sfu/pkg/ice"
	"github.com/mediaplane/sfu/pkg/logger"
	"github.com/mediaplane/sfu/pkg/mixer"
	"github.com/mediaplane/sfu/pkg/pacer"
	"github.com/mediaplane/sfu/pkg/reactor"
	"github.com/mediaplane/sfu/pkg/room"
	"github.com/mediaplane/sfu/pkg/subscription"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to media server config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "media server config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"MEDIASERVER_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "address to serve /metrics on",
		Value:   "127.0.0.1:9090",
		EnvVars: []string{"MEDIASERVER_METRICS_ADDR"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log level to debug and uses development defaults",
	},
}

func main() {
	generatedFlags := config.CLIFlags()

	app := &cli.App{
		Name:        "mediaserver",
		Usage:       "real-time media server core (SFU/MCU packet plane)",
		Description: "run without subcommands to start the server",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "print-config",
				Usage:  "print the effective configuration and exit",
				Action: printConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (config.Config, error) {
	var cfg config.Config
	var err error

	switch {
	case c.String("config-body") != "":
		cfg, err = config.UnmarshalYAML([]byte(c.String("config-body")))
	case c.String("config") != "":
		cfg, err = config.LoadFile(c.String("config"))
	default:
		cfg = config.DefaultConfig()
	}
	if err != nil {
		return config.Config{}, err
	}

	cfg = config.FromCLI(cfg, c)

	if c.Bool("dev") {
		cfg.Logging.Level = "debug"
		if len(cfg.ICE.STUNServers) == 0 {
			cfg.ICE.STUNServers = []string{"stun.l.google.com:19302"}
		}
	}

	return cfg, nil
}

func printConfig(c *cli.Context) error {
	cfg, err := getConfig(c)
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", cfg)
	return nil
}

func startServer(c *cli.Context) error {
	cfg, err := getConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Logging.JSON || !c.Bool("dev") {
		if err := logger.InitProduction(cfg.Logging.Level); err != nil {
			return err
		}
	} else {
		if err := logger.InitDevelopment(cfg.Logging.Level); err != nil {
			return err
		}
	}
	log := logger.GetLogger()
	log.Infow("starting media server", "bind", cfg.BindAddresses, "portRange", cfg.PortRange)

	srv, err := newServer(cfg, log)
	if err != nil {
		return err
	}

	if addr := c.String("metrics-addr"); addr != "" {
		go serveMetrics(addr, log)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigChan
		log.Infow("exit requested, shutting down", "signal", sig)
		srv.Stop()
	}()

	return srv.Run()
}

func serveMetrics(addr string, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infow("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorw("metrics server stopped", err)
	}
}

// server wires together one instance of every §4 component into a
// running process. It owns exactly one UDP reactor and one room
// manager; real multi-room, multi-tenant deployments would run one of
// these per node and shard rooms across nodes (out of scope per
// spec.md's cluster-coordination Non-goal).
type server struct {
	logger logger.Logger
	cfg    config.Config

	reactor      *reactor.Reactor
	iceAgent     *ice.Agent
	pacer        *pacer.Pacer
	bwe          *bwe.Controller
	forwarder    *forwarder.Forwarder
	subscription *subscription.Manager
	mixer        *mixer.Mixer
	rooms        *room.Manager

	stopTickers chan struct{}
}

func newServer(cfg config.Config, log logger.Logger) (*server, error) {
	fwd := forwarder.New(log)
	pc := pacer.New(pacer.Config{
		Interval:      cfg.Pacer.TickInterval,
		TargetBitrate: int(cfg.BWE.StartBps),
		MaxQueueSize:  cfg.Pacer.MaxQueueSize,
	}, log)

	bwec := bwe.New(bwe.Config{
		StartBitrate:  uint64(cfg.BWE.StartBps),
		MinBitrate:    uint64(cfg.BWE.MinBps),
		MaxBitrate:    uint64(cfg.BWE.MaxBps),
		LossThreshold: float32(cfg.BWE.LossThreshold),
		DecreaseRate:  float32(cfg.BWE.DecreaseRate),
		IncreaseRate:  float32(cfg.BWE.IncreaseRate),
		UpdateEvery:   cfg.BWE.UpdateInterval,
	}, log)
	bwec.SetCallback(func(bps uint64) {
		pc.SetTargetBitrate(int(bps))
	})

	bindIP := "0.0.0.0"
	if len(cfg.BindAddresses) > 0 {
		bindIP = cfg.BindAddresses[0]
	}

	rt, err := reactor.New(reactor.Config{
		ListenIP: bindIP,
		Port:     int(cfg.PortRange.Start),
	}, log)
	if err != nil {
		return nil, err
	}

	iceCfg := ice.Config{
		Role:                      ice.RoleControlling,
		LocalAddress:              net.ParseIP(bindIP),
		LocalPort:                 cfg.PortRange.Start,
		GatherHostCandidates:      true,
		ConnectivityCheckInterval: cfg.ICE.ConnectivityCheckInterval,
		CheckTimeout:              cfg.ICE.CheckTimeout,
	}
	agent, err := ice.New(iceCfg, func(data []byte, remote *net.UDPAddr) (int, error) {
		return rt.SendTo(data, remote)
	}, ice.Callbacks{}, log)
	if err != nil {
		return nil, err
	}
	rt.OnSTUN(func(data []byte, remote *net.UDPAddr) {
		agent.HandleSTUNMessage(data, remote)
	})
	rt.OnRTP(func(data []byte, remote *net.UDPAddr) {
		agent.HandleData(data, remote)
	})

	return &server{
		logger:       log,
		cfg:          cfg,
		reactor:      rt,
		iceAgent:     agent,
		pacer:        pc,
		bwe:          bwec,
		forwarder:    fwd,
		subscription: subscription.New(log),
		mixer: mixer.New(mixer.Config{
			SampleRate:    cfg.Audio.SampleRate,
			FrameDuration: cfg.Audio.FrameDurationMs,
			Channels:      cfg.Audio.Channels,
		}, log),
		rooms:       room.New(log),
		stopTickers: make(chan struct{}),
	}, nil
}

// Run starts the UDP reactor and the periodic Process() tickers for
// every component that needs one, blocking until the reactor stops.
func (s *server) Run() error {
	go s.runTickers()
	return s.reactor.Run(noopContext{})
}

func (s *server) runTickers() {
	iceTicker := time.NewTicker(s.cfg.ICE.ConnectivityCheckInterval)
	bweTicker := time.NewTicker(s.cfg.BWE.UpdateInterval)
	mixerFrameDuration := time.Duration(s.cfg.Audio.FrameDurationMs) * time.Millisecond
	mixerTicker := time.NewTicker(mixerFrameDuration)
	subTicker := time.NewTicker(time.Second)
	roomCleanupTicker := time.NewTicker(time.Minute)
	defer iceTicker.Stop()
	defer bweTicker.Stop()
	defer mixerTicker.Stop()
	defer subTicker.Stop()
	defer roomCleanupTicker.Stop()

	for {
		select {
		case <-s.stopTickers:
			return
		case <-iceTicker.C:
			s.iceAgent.Process()
		case <-bweTicker.C:
			s.bwe.Process()
		case <-mixerTicker.C:
			s.mixer.Process()
		case <-subTicker.C:
			s.subscription.Process()
		case <-roomCleanupTicker.C:
			s.rooms.Cleanup()
		}
	}
}

// Stop tears down the reactor and stops the ticker loop.
func (s *server) Stop() {
	close(s.stopTickers)
	s.reactor.Stop()
	s.iceAgent.Close()
	s.pacer.Stop()
}

// noopContext satisfies reactor.Run's context.Context parameter when no
// external cancellation source is wired; signal handling drives Stop()
// directly instead.
type noopContext struct{}

func (noopContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noopContext) Done() <-chan struct{}       { return nil }
func (noopContext) Err() error                  { return nil }
func (noopContext) Value(key interface{}) interface{} { return nil }
