// Package cmdutil holds the process-wide scaffolding shared by the nsqd
// and nsqlookupd binaries: a GlobalState analogous to the teacher's own
// globalState, console writers, and the Execute/exit-code wiring cobra
// commands use to report spec §6's exit codes.
package cmdutil

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nsqcore/nsqcore/internal/broker"
)

// consoleWriter wraps an os.File, serializes writes through a mutex shared
// by stdout and stderr, and records whether the descriptor is a terminal,
// mirroring the teacher's own consoleWriter. Write itself passes bytes
// through unchanged; it neither adds nor strips color.
type consoleWriter struct {
	rawOut io.Writer
	out    io.Writer
	isTTY  bool
	mutex  *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.out.Write(p)
}

// GlobalState groups the process-external state a binary's main() wires
// up once: filesystem, args, env, std streams, signals, and logger. It
// exists so tests can construct a simulated environment instead of
// touching the real os package.
type GlobalState struct {
	Ctx context.Context

	FS      afero.Fs
	Args    []string
	EnvVars map[string]string

	Stdout, Stderr *consoleWriter
	Stdin          io.Reader

	SignalNotify func(chan<- os.Signal, ...os.Signal)
	SignalStop   func(chan<- os.Signal)

	Logger *logrus.Logger
}

// NewGlobalState builds a GlobalState wired to the real os package; it is
// the only place in either binary that should touch os.Stdout/Stderr/Args
// directly.
func NewGlobalState(ctx context.Context) *GlobalState {
	isDumbTerm := os.Getenv("TERM") == "dumb"
	stdoutTTY := !isDumbTerm && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	stderrTTY := !isDumbTerm && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	outMutex := &sync.Mutex{}

	stdout := &consoleWriter{rawOut: os.Stdout, out: colorable.NewColorable(os.Stdout), isTTY: stdoutTTY, mutex: outMutex}
	stderr := &consoleWriter{rawOut: os.Stderr, out: colorable.NewColorable(os.Stderr), isTTY: stderrTTY, mutex: outMutex}

	envVars := buildEnvMap(os.Environ())
	_, noColorsSet := envVars["NO_COLOR"]

	logger := &logrus.Logger{
		Out: stderr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderrTTY,
			DisableColors: !stderrTTY || noColorsSet,
			FullTimestamp: true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	return &GlobalState{
		Ctx:          ctx,
		FS:           afero.NewOsFs(),
		Args:         append(make([]string, 0, len(os.Args)), os.Args...),
		EnvVars:      envVars,
		Stdout:       stdout,
		Stderr:       stderr,
		Stdin:        os.Stdin,
		SignalNotify: signal.Notify,
		SignalStop:   signal.Stop,
		Logger:       logger,
	}
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexRune(kv, '='); idx != -1 {
			env[kv[:idx]] = kv[idx+1:]
		} else {
			env[kv] = ""
		}
	}
	return env
}

// Execute runs cmd and translates a returned error into a process exit:
// errors satisfying broker.HasExitCode set the matching spec §6 exit
// code; anything else exits 1. It never returns.
func Execute(logger logrus.FieldLogger, cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		code := 1
		var ecerr broker.HasExitCode
		if errors.As(err, &ecerr) {
			code = int(ecerr.ExitCode())
		}
		logger.WithError(err).Error("fatal error")
		os.Exit(code)
	}
}
