package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TeoSlayer/streamperf/pkg/config"
	"github.com/TeoSlayer/streamperf/pkg/harness"
	"github.com/TeoSlayer/streamperf/pkg/logging"
	"github.com/TeoSlayer/streamperf/pkg/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// sizeValue is a byte count flag accepting humanized values ("50MiB", "4k").
type sizeValue uint64

func (s *sizeValue) String() string { return humanize.IBytes(uint64(*s)) }
func (s *sizeValue) Type() string   { return "size" }

func (s *sizeValue) Set(v string) error {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return err
	}
	*s = sizeValue(n)
	return nil
}

type options struct {
	configPath string
	size       sizeValue
	recvAddr   string
	sendAddr   string
	recvID     uint32
	sendID     uint32
	pattern    harness.Pattern
	teardown   harness.Trigger
	bufSize    sizeValue
	mss        int
	sockbuf    sizeValue
	timeout    time.Duration
	progress   time.Duration
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &options{
		size:     harness.DefaultSize,
		pattern:  harness.PatternZero,
		teardown: harness.TriggerAck,
	}

	cmd := &cobra.Command{
		Use:   "streamperf",
		Short: "Push one payload across a loopback stream pair and verify it",
		Long: `streamperf binds two endpoints on loopback, opens one stream between them,
writes a single payload from B to A and checks that A read every byte in
order by comparing rolling hashes. It exits non-zero on any failure.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath == "" {
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			unknown, err := config.ApplyToFlags(cmd.Flags(), cfg)
			if err != nil {
				return err
			}
			for _, k := range unknown {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: unknown config key %q\n", k)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to config file (JSON or YAML)")
	f.Var(&opts.size, "size", "payload size, sent as one write (at most 2 GiB - 1)")
	f.StringVar(&opts.recvAddr, "recv-addr", harness.DefaultRecvAddr, "receiving endpoint (peer A) address")
	f.StringVar(&opts.sendAddr, "send-addr", harness.DefaultSendAddr, "sending endpoint (peer B) address")
	f.Uint32Var(&opts.recvID, "recv-id", harness.DefaultRecvID, "receiving stream id")
	f.Uint32Var(&opts.sendID, "send-id", harness.DefaultSendID, "sending stream id")
	f.Var(&opts.pattern, "pattern", "payload content (zero, sequence, random)")
	f.Var(&opts.teardown, "receiver-teardown", "what tears the receiver down (ack, read-complete)")
	f.Var(&opts.bufSize, "buf-size", "split the write into buffers of this size (0 = one buffer)")
	f.IntVar(&opts.mss, "mss", transport.DefaultMSS, "max payload bytes per segment")
	f.Var(&opts.sockbuf, "sockbuf", "socket send/receive buffer size (0 = OS default)")
	f.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "watchdog: fail if the run has not finished")
	f.DurationVar(&opts.progress, "progress", time.Second, "interval between progress lines (0 = off)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	return cmd
}

func run(ctx context.Context, out, logOut io.Writer, opts *options) error {
	logger := logging.New(logOut, opts.logLevel, opts.logFormat)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	sc := harness.New(harness.Config{
		Size:             uint64(opts.size),
		RecvAddr:         opts.recvAddr,
		SendAddr:         opts.sendAddr,
		RecvID:           opts.recvID,
		SendID:           opts.sendID,
		Pattern:          opts.pattern,
		ReceiverTeardown: opts.teardown,
		BufSize:          int(opts.bufSize),
		Progress:         opts.progress,
		Transport: transport.Config{
			MSS:          opts.mss,
			SocketBuffer: int(opts.sockbuf),
			Logger:       logger,
		},
		Logger: logger,
	})

	fmt.Fprintf(out, "run %s: payload %s (%s)\n", sc.RunID(), humanize.IBytes(uint64(opts.size)), string(opts.pattern))
	res, err := sc.Run(ctx)
	if res == nil {
		return err
	}
	printResult(out, res)
	return err
}

func printResult(out io.Writer, res *harness.Result) {
	if res.Acked {
		status := "ok"
		if res.AckStatus != nil {
			status = res.AckStatus.Error()
		}
		fmt.Fprintf(out, "write acked, status=%s unordered=%t\n", status, res.AckUnordered)
	}
	for _, n := range res.CloseNotices {
		fmt.Fprintf(out, "%s\n", n)
	}
	fmt.Fprintf(out, "read %d/%d bytes in %s (%s/s)\n",
		res.Read.Bytes, res.Size, res.Stats.Elapsed().Round(time.Millisecond),
		humanize.IBytes(uint64(res.Stats.Throughput())))
	fmt.Fprintf(out, "readhash=%s writehash=%s\n", res.Read.Hash, res.Written.Hash)
	if res.Passed() {
		fmt.Fprintln(out, "PASS")
	} else {
		fmt.Fprintln(out, "FAIL")
	}
}
