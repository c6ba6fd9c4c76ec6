// Package cli builds the cardiocheck command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/cardiocheck/internal/app"
	"github.com/drblury/cardiocheck/internal/evaluation"
	configpkg "github.com/drblury/cardiocheck/internal/runtime/config"
	"github.com/drblury/cardiocheck/internal/runtime/logging"
	"github.com/drblury/cardiocheck/internal/store"
	"github.com/drblury/cardiocheck/transport"
)

// Version is set at build time.
var Version = "dev"

type options struct {
	configFile string
	timeout    time.Duration
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "cardiocheck",
		Short:         "Asynchronous health-risk evaluation API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "timeout for one-shot commands")

	root.AddCommand(
		serveCmd(opts),
		provisionCmd(opts),
		checkConfigCmd(opts),
		ownerCmd(opts),
	)
	return root
}

func loadConfig(opts *options) (*configpkg.Config, error) {
	cfg, err := configpkg.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *configpkg.Config, w io.Writer) (logging.ServiceLogger, error) {
	return logging.New(logging.Options{
		Backend: cfg.Log.Backend,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	}, w)
}

func serveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the result consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg, logger, app.Options{})
			if err != nil {
				return err
			}
			if err := a.Init(ctx); err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

type streamLister interface {
	StreamNames(ctx context.Context) ([]string, error)
}

func provisionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the configured streams and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			// Building the broker connects and provisions missing streams.
			broker, err := transport.Build(ctx, cfg.BrokerOptions(), logger)
			if err != nil {
				return err
			}
			defer broker.Close(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			lister, ok := broker.(streamLister)
			if !ok {
				fmt.Fprintf(out, "transport %s keeps streams in memory; nothing to provision\n", cfg.Broker.Transport)
				return nil
			}
			names, err := lister.StreamNames(ctx)
			if err != nil {
				return err
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}

func checkConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}

func ownerCmd(opts *options) *cobra.Command {
	owner := &cobra.Command{
		Use:   "owner",
		Short: "Manage evaluation owners",
	}

	var id, name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update an owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			if err := s.SaveOwner(ctx, &evaluation.Owner{ID: id, Name: name}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "owner %s saved\n", id)
			return nil
		},
	}
	add.Flags().StringVar(&id, "id", "", "owner id, as sent in the X-Owner-ID header")
	add.Flags().StringVar(&name, "name", "", "display name")
	_ = add.MarkFlagRequired("id")

	owner.AddCommand(add)
	return owner
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := BuildCLI()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
