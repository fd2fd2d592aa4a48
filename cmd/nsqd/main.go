// Command nsqd runs the broker daemon of spec §2: topic/channel routing,
// durable queues, and the client wire protocol.
package main

import (
	"context"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nsqcore/nsqcore/internal/broker"
	"github.com/nsqcore/nsqcore/internal/cmdutil"
	"github.com/nsqcore/nsqcore/internal/config"
	"github.com/nsqcore/nsqcore/internal/registryclient"
	"github.com/nsqcore/nsqcore/internal/stats"
)

const version = "1.0.0"

func main() {
	gs := cmdutil.NewGlobalState(context.Background())
	cmd := newRootCommand(gs)
	cmdutil.Execute(gs.Logger, cmd)
}

type cliFlags struct {
	configPath    string
	tcpAddr       string
	httpAddr      string
	broadcastAddr string
	dataPath      string
	lookupdAddrs  string
	authSecrets   []string
	pubRateLimit  float64
	verbose       bool
}

func newRootCommand(gs *cmdutil.GlobalState) *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:           "nsqd",
		Short:         "run the broker daemon",
		Long:          "\n" + cmdutil.Banner(false, "nsqd", version),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(gs, flags)
		},
	}

	fs := flagSet(&flags)
	cmd.Flags().AddFlagSet(fs)
	return cmd
}

func flagSet(flags *cliFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("nsqd", pflag.ContinueOnError)
	fs.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&flags.tcpAddr, "tcp-address", "", "<addr>:<port> for TCP clients")
	fs.StringVar(&flags.httpAddr, "http-address", "", "<addr>:<port> for HTTP clients")
	fs.StringVar(&flags.broadcastAddr, "broadcast-address", "", "address advertised to lookupd and consumers")
	fs.StringVar(&flags.dataPath, "data-path", "", "path for durable queue files")
	fs.StringVar(&flags.lookupdAddrs, "lookupd-tcp-address", "", "comma-separated lookupd TCP addresses")
	fs.StringArrayVar(&flags.authSecrets, "auth-secret", nil, "accepted AUTH shared secret (repeatable)")
	fs.Float64Var(&flags.pubRateLimit, "pub-rate-limit-per-sec", 0, "cap combined pub/mpub/dpub throughput in messages/sec (0 = unlimited)")
	fs.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	return fs
}

func run(gs *cmdutil.GlobalState, flags cliFlags) error {
	cliOverrides := config.Config{
		TCPAddr:             flags.tcpAddr,
		HTTPAddr:            flags.httpAddr,
		BroadcastAddr:       flags.broadcastAddr,
		DataPath:            flags.dataPath,
		LookupdTCPAddresses: flags.lookupdAddrs,
		AuthSecrets:         flags.authSecrets,
		PubRateLimitPerSec:  flags.pubRateLimit,
	}
	cfg, err := config.Load(flags.configPath, cliOverrides)
	if err != nil {
		return broker.WithExitCode(err, broker.ExitConfigError)
	}

	if flags.verbose {
		gs.Logger.SetLevel(logrus.DebugLevel)
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = hostFromAddr(cfg.TCPAddr)
	}

	var auth *broker.Authenticator
	if len(cfg.AuthSecrets) > 0 {
		auth = broker.NewAuthenticator(cfg.AuthSecrets)
	}

	b := broker.New(broker.Options{
		TCPAddr:              cfg.TCPAddr,
		HTTPAddr:             cfg.HTTPAddr,
		BroadcastAddr:        cfg.BroadcastAddr,
		DataPath:             cfg.DataPath,
		FS:                   gs.FS,
		MemQueueSize:         cfg.MemQueueSize,
		MaxBodySize:          cfg.MaxBodySize,
		MaxMsgSize:           cfg.MaxMsgSize,
		MsgTimeout:           cfg.MsgTimeout,
		MaxMsgTimeout:        cfg.MaxMsgTimeout,
		MaxRDYCount:          cfg.MaxRDYCount,
		MaxHeartbeatInterval: cfg.MaxHeartbeatInterval,
		MaxConns:             cfg.MaxConns,
		SyncEvery:            cfg.SyncEvery,
		SyncTimeout:          cfg.SyncTimeout,
		PubRateLimitPerSec:   cfg.PubRateLimitPerSec,
		Auth:                 auth,
	}, gs.Logger)

	lookupdAddrs := registryclient.ParseAddrs(cfg.LookupdTCPAddresses)
	var regClients []*registryclient.Client
	identity := registryclient.Identity{
		BroadcastAddress: cfg.BroadcastAddr,
		TCPPort:          portFromAddr(cfg.TCPAddr),
		HTTPPort:         portFromAddr(cfg.HTTPAddr),
		Version:          version,
	}
	for _, addr := range lookupdAddrs {
		rc := registryclient.New(addr, identity, gs.Logger)
		regClients = append(regClients, rc)
		go rc.Run()
	}
	if len(regClients) > 0 {
		b.AttachRegistryClients(regClients)
	}
	defer func() {
		for _, rc := range regClients {
			rc.Close()
		}
	}()

	pusher, err := stats.NewPusher(stats.Options{
		Addr:         cfg.StatsdAddr,
		Namespace:    cfg.StatsdNamespace,
		PushInterval: cfg.StatsdPushInterval,
	}, b, gs.Logger)
	if err != nil {
		return broker.WithExitCode(err, broker.ExitConfigError)
	}
	if pusher != nil {
		go pusher.Run()
		defer pusher.Close()
	}

	httpHandler := broker.NewHTTPHandler(b)
	httpErrCh := make(chan error, 1)
	go func() {
		gs.Logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
		httpErrCh <- httpListenAndServe(cfg.HTTPAddr, httpHandler.Mux())
	}()

	tcpErrCh := make(chan error, 1)
	go func() { tcpErrCh <- b.ListenAndServe() }()

	sigC := make(chan os.Signal, 1)
	gs.SignalNotify(sigC, os.Interrupt, syscall.SIGTERM)
	defer gs.SignalStop(sigC)

	select {
	case err := <-tcpErrCh:
		if err != nil {
			return broker.WithExitCode(err, broker.ExitBindError)
		}
	case err := <-httpErrCh:
		if err != nil {
			return broker.WithExitCode(err, broker.ExitBindError)
		}
	case sig := <-sigC:
		gs.Logger.WithField("sig", sig).Info("stopping nsqd in response to signal")
	}
	return b.Close()
}

func hostFromAddr(addr string) string {
	host, _, err := splitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func portFromAddr(addr string) int {
	_, port, err := splitHostPort(addr)
	if err != nil {
		return 0
	}
	return port
}
