// Command nsqlookupd runs the registry daemon of spec §3: it tracks which
// brokers are live and which topics/channels each one carries, and answers
// consumer-side lookup queries over HTTP.
package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nsqcore/nsqcore/internal/cmdutil"
	"github.com/nsqcore/nsqcore/internal/config"
	"github.com/nsqcore/nsqcore/internal/registry"
)

const version = "1.0.0"

func main() {
	gs := cmdutil.NewGlobalState(context.Background())
	cmd := newRootCommand(gs)
	cmdutil.Execute(gs.Logger, cmd)
}

type cliFlags struct {
	configPath              string
	tcpAddr                 string
	httpAddr                string
	inactiveProducerTimeout time.Duration
	tombstoneLifetime       time.Duration
	verbose                 bool
}

func newRootCommand(gs *cmdutil.GlobalState) *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:           "nsqlookupd",
		Short:         "run the registry daemon",
		Long:          "\n" + cmdutil.Banner(false, "nsqlookupd", version),
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
	fs := pflag.NewFlagSet("nsqlookupd", pflag.ContinueOnError)
	fs.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&flags.tcpAddr, "tcp-address", "", "<addr>:<port> for broker (REGISTER/UNREGISTER) connections")
	fs.StringVar(&flags.httpAddr, "http-address", "", "<addr>:<port> for consumer lookup queries")
	fs.DurationVar(&flags.inactiveProducerTimeout, "inactive-producer-timeout", 0, "hide a producer that hasn't pinged in this long from lookups")
	fs.DurationVar(&flags.tombstoneLifetime, "tombstone-lifetime", 0, "how long a tombstone hides a producer from lookups of that topic")
	fs.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	return fs
}

func run(gs *cmdutil.GlobalState, flags cliFlags) error {
	cliOverrides := config.Config{
		TCPAddr:                 flags.tcpAddr,
		HTTPAddr:                flags.httpAddr,
		InactiveProducerTimeout: flags.inactiveProducerTimeout,
		TombstoneLifetime:       flags.tombstoneLifetime,
	}
	cfg, err := config.Load(flags.configPath, cliOverrides)
	if err != nil {
		return err
	}

	if flags.verbose {
		gs.Logger.SetLevel(logrus.DebugLevel)
	}

	reg := registry.New(registry.Options{
		InactiveProducerTimeout: cfg.InactiveProducerTimeout,
		TombstoneLifetime:       cfg.TombstoneLifetime,
	})

	stop := make(chan struct{})
	go reg.RunTicker(15*time.Second, stop)
	defer close(stop)

	srv := registry.NewServer(reg, gs.Logger)
	tcpErrCh := make(chan error, 1)
	go func() { tcpErrCh <- srv.ListenAndServe(cfg.TCPAddr) }()
	defer srv.Close()

	httpHandler := registry.NewHTTPHandler(reg, gs.Logger)
	httpErrCh := make(chan error, 1)
	go func() {
		gs.Logger.WithField("addr", cfg.HTTPAddr).Info("lookup http listening")
		httpErrCh <- httpListenAndServe(cfg.HTTPAddr, httpHandler.Mux())
	}()

	sigC := make(chan os.Signal, 1)
	gs.SignalNotify(sigC, os.Interrupt, syscall.SIGTERM)
	defer gs.SignalStop(sigC)

	select {
	case err := <-tcpErrCh:
		return err
	case err := <-httpErrCh:
		return err
	case sig := <-sigC:
		gs.Logger.WithField("sig", sig).Info("stopping nsqlookupd in response to signal")
		return nil
	}
}
