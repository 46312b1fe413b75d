// Package cli implements the pagekit command line: one-shot cached fetches,
// a polling watcher, the image upload pipeline and page-state inspection.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/muandane/special-stack/pagekit/internal/cache"
	"github.com/muandane/special-stack/pagekit/internal/config"
	"github.com/muandane/special-stack/pagekit/internal/logging"
	"github.com/muandane/special-stack/pagekit/internal/telemetry"
)

// env is what every subcommand shares once the root has parsed config.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

// ExecuteWithVersion runs the root command.
func ExecuteWithVersion(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	e := &env{}
	var logLevel string

	cmd := &cobra.Command{
		Use:           "pagekit",
		Short:         "Cached request orchestration, background refresh and image uploads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			e.cfg = cfg
			e.logger = logging.New(cmd.ErrOrStderr(), cfg.Log)
			slog.SetDefault(e.logger)

			e.shutdown, err = telemetry.Setup(cmd.Context(), "pagekit", cfg.OTelEndpoint)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if e.shutdown == nil {
				return nil
			}
			return e.shutdown(context.Background())
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (default from PAGEKIT_LOG_LEVEL)")

	cmd.AddCommand(
		newFetchCmd(e),
		newWatchCmd(e),
		newUploadCmd(e),
		newPagesCmd(e),
		newVersionCmd(version),
	)
	return cmd
}

// newRequestCache builds a Cache from the client section of the config.
func (e *env) newRequestCache() *cache.Cache {
	defaults := cache.DefaultConfig()
	defaults.TTL = e.cfg.Client.TTL
	defaults.DebounceDelay = e.cfg.Client.DebounceDelay
	defaults.RetryCount = e.cfg.Client.RetryCount
	defaults.RetryDelay = e.cfg.Client.RetryDelay

	// Requests carry the session's cookies, like a browser fetch with
	// credentials included.
	jar, _ := cookiejar.New(nil)
	opts := []cache.ClientOption{
		cache.WithLogger(e.logger),
		cache.WithDefaults(defaults),
		cache.WithHTTPClient(&http.Client{Jar: jar, Timeout: e.cfg.Client.Timeout}),
	}
	if e.cfg.Client.RatePerSecond > 0 {
		opts = append(opts, cache.WithLimiter(rate.NewLimiter(rate.Limit(e.cfg.Client.RatePerSecond), max(e.cfg.Client.RateBurst, 1))))
	}
	return cache.New(opts...)
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pagekit version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
