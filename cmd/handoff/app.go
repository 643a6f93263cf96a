package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"gosuda.org/handoff"
	"gosuda.org/handoff/internal/loggingutil"
	"gosuda.org/handoff/internal/metrics"
)

func submain(ctx context.Context) int {
	cmd := newRootCommand(newBaseLogger(os.Stderr))
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "handoff: %s\n", err)
		return 1
	}
	return 0
}

// newBaseLogger returns the process logger, configured from HANDOFF_LOG_*
func newBaseLogger(w io.Writer) pslog.Logger {
	return pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("HANDOFF_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(w),
	).With("app", "handoff")
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff -p|-c -m message -q depth -s|-u [-e]",
		Short: "Hand one message from a producer process to a consumer process",
		Long: `handoff moves a single message between two processes on the same host.

With -s the message travels through a System V shared memory ring of
queue-depth slots guarded by three named semaphores (mutex, empty, full).
With -u it is sent as one frame over a unix-domain stream socket.
Either role may be started first.

Every flag can also be set in the YAML file named by --config or through
an environment variable, e.g. HANDOFF_QUEUE_DEPTH=4.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			v, err := loadViper(cmd)
			if err != nil {
				return err
			}
			inv, err := parseInvocation(v)
			if err != nil {
				return err
			}
			logger, err := levelLogger(baseLogger, v)
			if err != nil {
				return err
			}
			return runHandoff(cmd.Context(), cmd, inv, logger)
		},
	}

	flags := cmd.Flags()
	flags.BoolP("producer", "p", false, "run as the producer")
	flags.BoolP("consumer", "c", false, "run as the consumer")
	flags.StringP("message", "m", "", "message payload (required)")
	flags.IntP("queue-depth", "q", 0, "number of ring slots, positive (required)")
	flags.BoolP("shm", "s", false, "use the shared memory transport")
	flags.BoolP("stream", "u", false, "use the unix-domain stream transport")
	flags.BoolP("echo", "e", false, "print the transferred message to stdout")
	flags.String("max-message", "1KiB", "payload bound in bytes, e.g. 512, 4KiB, 1MB")
	flags.Duration("timeout", 0, "bound on each semaphore wait and on the stream accept (0 waits forever)")
	flags.Duration("attach-timeout", handoff.DefaultAttachTimeout, "wait for a peer to finish initializing the channel")
	flags.Duration("connect-wait", 0, "stream producer waits this long for the consumer endpoint to appear")
	flags.Bool("require-existing", false, "consumer fails when the channel does not exist yet")
	flags.Bool("teardown", true, "consumer removes the channel once no other role is attached")
	flags.Bool("force-teardown", false, "consumer removes the channel even if another role may be attached")
	flags.String("metrics-file", "", "write Prometheus metrics in textfile format to this path on exit")

	addChannelFlags(cmd.PersistentFlags())
	cmd.AddCommand(newInspectCommand(baseLogger), newCleanupCommand(baseLogger))
	return cmd
}

// addChannelFlags registers the flags naming the channel's OS objects
// They are shared by the handoff itself, inspect and cleanup.
func addChannelFlags(flags *pflag.FlagSet) {
	def := handoff.DefaultConfig()
	flags.String("config", "", "YAML config file")
	flags.String("log-level", "warn", "log level: trace, debug, info, warn, error")
	flags.String("key-path", def.KeyPath, "existing path the segment key is derived from")
	flags.String("key-id", string(rune(def.KeyID)), "single byte mixed into the segment key")
	flags.String("sem-dir", def.SemDir, "directory holding the semaphore files")
	flags.String("mutex-sem", def.MutexName, "name of the mutex semaphore")
	flags.String("empty-sem", def.EmptyName, "name of the semaphore counting free slots")
	flags.String("full-sem", def.FullName, "name of the semaphore counting unread messages")
	flags.String("socket-path", def.SocketPath, "unix-domain socket endpoint of the stream transport")
}

// loadViper layers flags, HANDOFF_* environment variables and the config file
func loadViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("HANDOFF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, invalidArgs(fmt.Errorf("read config file %q: %w", path, err))
		}
	}
	return v, nil
}

func invalidArgs(err error) error {
	return &handoff.OpError{Op: "parse arguments", Kind: handoff.ErrInvalidArguments, Err: err}
}

// channelConfig returns the default configuration with the channel names
// taken from v
func channelConfig(v *viper.Viper) (handoff.Config, error) {
	cfg := handoff.DefaultConfig()
	keyID := v.GetString("key-id")
	if len(keyID) != 1 {
		return cfg, invalidArgs(fmt.Errorf("key id must be a single byte, got %q", keyID))
	}
	cfg.KeyPath = v.GetString("key-path")
	cfg.KeyID = keyID[0]
	cfg.SemDir = v.GetString("sem-dir")
	cfg.MutexName = v.GetString("mutex-sem")
	cfg.EmptyName = v.GetString("empty-sem")
	cfg.FullName = v.GetString("full-sem")
	cfg.SocketPath = v.GetString("socket-path")
	return cfg, nil
}

func levelLogger(base pslog.Logger, v *viper.Viper) (pslog.Logger, error) {
	name := v.GetString("log-level")
	level, ok := loggingutil.ParseLevel(name, pslog.InfoLevel)
	if !ok {
		return nil, invalidArgs(fmt.Errorf("unknown log level %q", name))
	}
	return base.LogLevel(level), nil
}

// invocation is one fully validated handoff request
type invocation struct {
	cfg         handoff.Config
	role        handoff.Role
	transport   handoff.Transport
	message     string
	echo        bool
	metricsFile string
}

// parseInvocation validates the arguments before anything is allocated
func parseInvocation(v *viper.Viper) (invocation, error) {
	var inv invocation

	producer, consumer := v.GetBool("producer"), v.GetBool("consumer")
	switch {
	case producer == consumer:
		return inv, invalidArgs(errors.New("must specify exactly one of -p or -c"))
	case producer:
		inv.role = handoff.RoleProducer
	default:
		inv.role = handoff.RoleConsumer
	}

	shm, stream := v.GetBool("shm"), v.GetBool("stream")
	switch {
	case shm && stream:
		return inv, invalidArgs(errors.New("cannot use both -s and -u"))
	case shm:
		inv.transport = handoff.TransportShm
	case stream:
		inv.transport = handoff.TransportStream
	default:
		return inv, invalidArgs(errors.New("must specify either -s or -u"))
	}

	if !v.IsSet("message") {
		return inv, invalidArgs(errors.New("message (-m) is required"))
	}
	inv.message = v.GetString("message")

	depth := v.GetInt("queue-depth")
	if depth <= 0 {
		return inv, invalidArgs(errors.New("queue depth (-q) must be positive"))
	}

	cfg, err := channelConfig(v)
	if err != nil {
		return inv, err
	}
	cfg.QueueDepth = depth

	maxMessage, err := humanize.ParseBytes(v.GetString("max-message"))
	if err != nil {
		return inv, invalidArgs(fmt.Errorf("parse max-message: %w", err))
	}
	if maxMessage == 0 || maxMessage > 1<<30 {
		return inv, invalidArgs(fmt.Errorf("max-message must be between 1B and 1GiB, got %s", humanize.IBytes(maxMessage)))
	}
	cfg.MaxMessage = int(maxMessage)

	cfg.Timeout = v.GetDuration("timeout")
	cfg.AttachTimeout = v.GetDuration("attach-timeout")
	cfg.ConnectWait = v.GetDuration("connect-wait")
	cfg.RequireExisting = v.GetBool("require-existing")
	cfg.Teardown = v.GetBool("teardown")
	cfg.ForceTeardown = v.GetBool("force-teardown")
	if err := cfg.Validate(); err != nil {
		return inv, err
	}

	inv.cfg = cfg
	inv.echo = v.GetBool("echo")
	inv.metricsFile = v.GetString("metrics-file")
	return inv, nil
}

func runHandoff(ctx context.Context, cmd *cobra.Command, inv invocation, logger pslog.Logger) error {
	opts := []handoff.Option{handoff.WithLogger(logger)}
	if inv.metricsFile != "" {
		collector := metrics.New()
		opts = append(opts, handoff.WithObserver(collector))
		defer func() {
			if err := collector.WriteTextfile(inv.metricsFile); err != nil {
				loggingutil.WithSubsystem(logger, "cli.metrics").Warn("metrics.write.failed", "path", inv.metricsFile, "error", err)
			}
		}()
	}

	var (
		res handoff.Result
		err error
	)
	payload := []byte(inv.message)
	switch inv.transport {
	case handoff.TransportShm:
		if inv.role == handoff.RoleProducer {
			res, err = handoff.Produce(ctx, inv.cfg, payload, opts...)
		} else {
			res, err = handoff.Consume(ctx, inv.cfg, opts...)
		}
	case handoff.TransportStream:
		if inv.role == handoff.RoleProducer {
			res, err = handoff.SendStream(ctx, inv.cfg, payload, opts...)
		} else {
			res, err = handoff.ReceiveStream(ctx, inv.cfg, opts...)
		}
	}
	if err != nil {
		return err
	}

	if inv.echo {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Payload)
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
