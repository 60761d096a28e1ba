// witnessctl drives the verification harness from shell-based CI: arm a
// bounded wait against a topic, publish test traffic, summarize recorded
// runs, or boot the fixture order API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"witness/internal/config"
	"witness/internal/correlate"
	"witness/internal/domain"
	"witness/internal/fixture/orderapi"
	"witness/internal/harness"
	"witness/internal/report"
	"witness/internal/transfer"
)

// Exit codes: 0 matched, 1 harness/usage error, 2 timed out. CI pipelines
// branch on the distinction.
const exitTimedOut = 2

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "witnessctl",
		Short:         "Event-correlated action verifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "witness.yaml", "path to config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override configured log level")

	root.AddCommand(newWaitCmd(flags))
	root.AddCommand(newPublishCmd(flags))
	root.AddCommand(newReportCmd(flags))
	root.AddCommand(newTransferCmd(flags))
	root.AddCommand(newFixtureCmd(flags))
	return root
}

func loadConfig(flags *rootFlags) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	log, err := buildLogger(level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// waitFileSpec is the YAML form of a wait accepted by --spec.
type waitFileSpec struct {
	Topic   string            `yaml:"topic"`
	Match   map[string]string `yaml:"match"`
	Timeout time.Duration     `yaml:"timeout"`
	Origin  string            `yaml:"origin"`
	Count   int               `yaml:"count"`
}

func newWaitCmd(flags *rootFlags) *cobra.Command {
	var (
		topic    string
		matches  []string
		timeout  time.Duration
		origin   string
		count    int
		specPath string
		runName  string
	)
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until a matching event arrives or the deadline elapses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			spec := waitFileSpec{Topic: topic, Timeout: timeout, Origin: origin, Count: count}
			if specPath != "" {
				if spec, err = loadWaitSpec(specPath); err != nil {
					return err
				}
			} else {
				if spec.Match, err = parseMatches(matches); err != nil {
					return err
				}
			}
			if spec.Timeout <= 0 {
				spec.Timeout = cfg.Verify.DefaultTimeout
			}
			if spec.Count < 1 {
				spec.Count = 1
			}
			parsedOrigin, err := domain.ParseOrigin(spec.Origin)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, err := harness.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close(context.Background()) }()
			if err := h.BeginRun(ctx, runName); err != nil {
				return fmt.Errorf("begin run: %w", err)
			}

			res, err := h.Await(ctx, correlate.WaitSpec{
				Topic:      spec.Topic,
				Predicate:  correlate.FieldEquals(spec.Match),
				Timeout:    spec.Timeout,
				Origin:     parsedOrigin,
				MaxMatches: spec.Count,
			})
			if err != nil {
				return err
			}
			printResult(cmd, res)
			if !res.Matched() {
				os.Exit(exitTimedOut)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to watch")
	cmd.Flags().StringArrayVar(&matches, "match", nil, "field=value equality filter, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wait deadline (default: verify.default_timeout)")
	cmd.Flags().StringVar(&origin, "origin", "earliest", "earliest or latest")
	cmd.Flags().IntVar(&count, "count", 1, "number of matching events to accumulate")
	cmd.Flags().StringVar(&specPath, "spec", "", "YAML wait spec, overrides the other filter flags")
	cmd.Flags().StringVar(&runName, "run-name", "witnessctl", "run name in the audit log")
	return cmd
}

func loadWaitSpec(path string) (waitFileSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return waitFileSpec{}, fmt.Errorf("read wait spec: %w", err)
	}
	var spec waitFileSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return waitFileSpec{}, fmt.Errorf("parse wait spec: %w", err)
	}
	return spec, nil
}

func parseMatches(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --match %q: want field=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

func printResult(cmd *cobra.Command, res domain.MatchResult) {
	cmd.Printf("outcome=%s matched=%d observed=%d elapsed=%s\n",
		res.Outcome, len(res.Events), res.Observed, res.Elapsed.Round(time.Millisecond))
	for _, ev := range res.Events {
		body, _ := json.Marshal(ev.Value)
		cmd.Printf("%s %s\n", ev.ID(), body)
	}
}

func newPublishCmd(flags *rootFlags) *cobra.Command {
	var (
		topic string
		key   string
	)
	cmd := &cobra.Command{
		Use:   "publish [json-payload]",
		Short: "Publish a JSON document to a topic",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			payload, err := readPayload(args)
			if err != nil {
				return err
			}
			if !json.Valid(payload) {
				return errors.New("payload must be valid JSON")
			}

			h, err := harness.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close(context.Background()) }()

			if err := h.Stream.Publish(cmd.Context(), topic, key, payload); err != nil {
				return err
			}
			cmd.Printf("published to %s\n", topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to publish to")
	cmd.Flags().StringVar(&key, "key", "", "optional record key")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func readPayload(args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	return raw, nil
}

func newReportCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize recorded runs from the audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rec, err := report.Open(cfg.Report.Path)
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			summaries, err := rec.Summaries(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				cmd.Println("no recorded runs")
				return nil
			}
			for _, s := range summaries {
				cmd.Printf("%s  %-20s  started=%s  matched=%d timed_out=%d errored=%d\n",
					s.RunID, s.Name, s.StartedAt.Format(time.RFC3339), s.Matched, s.TimedOut, s.Errored)
			}
			return nil
		},
	}
	return cmd
}

func buildTransferRegistry(ctx context.Context, cfg config.TransferConfig, log *zap.Logger) (*transfer.Registry, func(), error) {
	reg := transfer.NewRegistry()
	cleanup := func() {}
	if cfg.S3.Enabled {
		s3t, err := transfer.NewS3(ctx, transfer.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		}, log)
		if err != nil {
			return nil, cleanup, err
		}
		reg.Register(transfer.BackendS3, s3t)
	}
	if cfg.SFTP.Enabled {
		sftpT, err := transfer.NewSFTP(transfer.SFTPConfig{
			Addr:                  cfg.SFTP.Addr,
			Username:              cfg.SFTP.Username,
			Password:              cfg.SFTP.Password,
			KeyFile:               cfg.SFTP.KeyFile,
			InsecureIgnoreHostKey: cfg.SFTP.InsecureIgnoreHostKey,
		}, log)
		if err != nil {
			return nil, cleanup, err
		}
		reg.Register(transfer.BackendSFTP, sftpT)
		cleanup = func() { _ = sftpT.Close() }
	}
	return reg, cleanup, nil
}

func newTransferCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move scenario files to and from remote backends",
	}

	upload := &cobra.Command{
		Use:   "upload <local-path> <remote-ref>",
		Short: "Upload a local file to s3://bucket/key or sftp://host/path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ref, err := transfer.ParseRef(args[1])
			if err != nil {
				return err
			}
			reg, cleanup, err := buildTransferRegistry(cmd.Context(), cfg.Transfer, log)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := reg.Upload(cmd.Context(), args[0], ref); err != nil {
				return err
			}
			cmd.Printf("uploaded %s to %s\n", args[0], ref)
			return nil
		},
	}

	download := &cobra.Command{
		Use:   "download <remote-ref> <local-path>",
		Short: "Download a remote object to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ref, err := transfer.ParseRef(args[0])
			if err != nil {
				return err
			}
			reg, cleanup, err := buildTransferRegistry(cmd.Context(), cfg.Transfer, log)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := reg.Download(cmd.Context(), ref, args[1]); err != nil {
				return err
			}
			cmd.Printf("downloaded %s to %s\n", ref, args[1])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list <remote-ref>",
		Short: "List remote objects under a prefix or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ref, err := transfer.ParseRef(args[0])
			if err != nil {
				return err
			}
			reg, cleanup, err := buildTransferRegistry(cmd.Context(), cfg.Transfer, log)
			if err != nil {
				return err
			}
			defer cleanup()
			entries, err := reg.List(cmd.Context(), ref)
			if err != nil {
				return err
			}
			for _, e := range entries {
				cmd.Printf("%12d  %s\n", e.Size, e.Path)
			}
			return nil
		},
	}

	cmd.AddCommand(upload, download, list)
	return cmd
}

func newFixtureCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixture",
		Short: "Run the fixture order API against the configured stream and store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.Fixture.ListenAddr == "" {
				return errors.New("fixture.listen_addr is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, err := harness.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close(context.Background()) }()
			if h.Store == nil {
				return errors.New("fixture requires store.mongo.uri")
			}

			var locker orderapi.Locker
			if cfg.Fixture.RedisAddr != "" {
				redisLocker, err := orderapi.NewRedisLocker(ctx, cfg.Fixture.RedisAddr)
				if err != nil {
					return fmt.Errorf("fixture redis: %w", err)
				}
				defer func() { _ = redisLocker.Close() }()
				locker = redisLocker
			}

			svc := orderapi.New(orderapi.Config{Topic: cfg.Fixture.Topic, Collection: cfg.Fixture.Collection}, h.Stream, h.Store, log)
			server := &http.Server{Addr: cfg.Fixture.ListenAddr, Handler: svc.Router(locker)}

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()
			log.Info("fixture order api listening", zap.String("addr", cfg.Fixture.ListenAddr))

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	return cmd
}
