package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/b2ops"
	"github.com/tonimelisma/b2-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
	flagBwLimit    string
	flagNoPool     bool
)

// skipCredentialCommands lists commands that never talk to B2 and so run
// without a configured key. Uses CommandPath() for explicit matching.
var skipCredentialCommands = map[string]bool{
	"b2-go config":      true,
	"b2-go config show": true,
	"b2-go config init": true,
}

// CLIFlags holds the global flag values a command needs.
type CLIFlags struct {
	JSON    bool
	Verbose bool
	Quiet   bool
}

// CLIContext carries the resolved configuration and shared session objects
// for one command invocation.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	DataDir string // upload sessions and watch locks
	Logger  *slog.Logger

	// Set by PersistentPreRunE unless the command skips credentials.
	Manager   *b2ops.Manager
	Transfers *b2ops.TransferManager

	Stdout io.Writer
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run. A missing
// value is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext not set: command ran without the root pre-run")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "b2-go",
		Short:   "Backblaze B2 CLI client",
		Long:    "A resilient Backblaze B2 client: bucket and file management, parallel large-file uploads, verified downloads.",
		Version: version,
		// Silence Cobra's default error/usage printing; main prints errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().StringVar(&flagBwLimit, "bwlimit", "", "bandwidth limit, e.g. 5MB/s (overrides config)")
	cmd.PersistentFlags().BoolVar(&flagNoPool, "no-pool", false, "fetch a fresh upload URL for every upload")

	cmd.AddCommand(newAuthorizeCmd())
	cmd.AddCommand(newBucketsCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newHideCmd())
	cmd.AddCommand(newLargeCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain and, for commands that need it, builds the B2 session.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("bwlimit") {
		cli.BandwidthLimit = &flagBwLimit
	}

	if cmd.Flags().Changed("no-pool") {
		cli.NoPool = &flagNoPool
	}

	if cmd.Flags().Lookup("parallel-parts") != nil && cmd.Flags().Changed("parallel-parts") {
		n, err := cmd.Flags().GetInt("parallel-parts")
		if err != nil {
			return nil, err
		}

		cli.ParallelParts = &n
	}

	flags := CLIFlags{JSON: flagJSON, Verbose: flagVerbose, Quiet: flagQuiet}

	cfg, cfgPath, err := config.Resolve(config.ReadEnvOverrides(buildLogger(nil, flags, os.Stderr)), cli, nil)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg, flags, os.Stderr)

	cc := &CLIContext{
		Flags:   flags,
		Cfg:     cfg,
		CfgPath: cfgPath,
		DataDir: config.DefaultDataDir(),
		Logger:  logger,
		Stdout:  cmd.OutOrStdout(),
	}

	if skipCredentialCommands[cmd.CommandPath()] {
		return cc, nil
	}

	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}

	m, err := newManager(cfg, b2.NewClient(cfg.Account.AuthURL, newHTTPClient(cfg), logger, userAgent(cfg)), logger)
	if err != nil {
		return nil, err
	}

	cc.Manager = m
	cc.Transfers = b2ops.NewTransferManager(m, transferOptions(cfg, cc.DataDir, logger), logger)

	return cc, nil
}

// newManager builds a session manager from the resolved config.
func newManager(cfg *config.Config, api b2ops.API, logger *slog.Logger) (*b2ops.Manager, error) {
	opts, err := managerOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	return b2ops.NewManager(api, opts, logger), nil
}

// managerOptions translates config sections into b2ops options.
func managerOptions(cfg *config.Config, logger *slog.Logger) (b2ops.Options, error) {
	opts := b2ops.DefaultOptions()

	opts.Credentials = b2ops.Credentials{
		KeyID:          cfg.Account.KeyID,
		ApplicationKey: cfg.Account.ApplicationKey,
	}

	opts.Auth.Lifetime, opts.Auth.RefreshSkew = cfg.Account.Durations()

	opts.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	opts.Retry.MaxAuthRetries = cfg.Retry.MaxAuthRetries
	opts.Retry.MaxCapabilityRetries = cfg.Retry.MaxCapabilityRetries
	opts.Retry.BaseBackoff, opts.Retry.MaxBackoff, opts.Retry.RequestTimeout, opts.Retry.TransferTimeout =
		cfg.Retry.Durations()

	opts.Breaker.Threshold = cfg.Breaker.Threshold
	opts.Breaker.Cooldown, opts.Breaker.MaxCooldown = cfg.Breaker.Durations()

	opts.Pool = b2ops.PoolConfig{
		Enabled:     cfg.Pool.Enabled,
		MaxPerKey:   cfg.Pool.MaxURLsPerBucket,
		IdleTimeout: cfg.Pool.IdleTimeout(),
	}

	verify, err := b2ops.ParseFinishVerify(cfg.Transfers.FinishVerify)
	if err != nil {
		return b2ops.Options{}, err
	}

	opts.FinishVerify = verify

	bw, err := b2ops.NewBandwidthLimiter(cfg.Transfers.BandwidthLimit, logger)
	if err != nil {
		return b2ops.Options{}, err
	}

	opts.Bandwidth = bw

	return opts, nil
}

// transferOptions maps the transfers section. Resume needs a data dir; with
// none, failed large uploads are cancelled.
func transferOptions(cfg *config.Config, dataDir string, logger *slog.Logger) b2ops.TransferOptions {
	partSize, threshold := cfg.Transfers.Sizes()

	opts := b2ops.TransferOptions{
		PartSize:           partSize,
		LargeFileThreshold: threshold,
		ParallelParts:      cfg.Transfers.ParallelParts,
	}

	if cfg.Transfers.ResumeLargeFiles && dataDir != "" {
		opts.Sessions = b2ops.NewSessionStore(dataDir, logger)
	}

	return opts
}

// newHTTPClient returns a client without an overall timeout: transfers can
// run for hours, and per-attempt timeouts come from the retry policy.
func newHTTPClient(cfg *config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.Network.Timeout()}).DialContext
	transport.TLSHandshakeTimeout = cfg.Network.Timeout()

	return &http.Client{Transport: transport}
}

func userAgent(cfg *config.Config) string {
	if cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}

	return "b2-go/" + version
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. With log_format "auto"
// a terminal gets text and anything else gets JSON.
func buildLogger(cfg *config.Config, flags CLIFlags, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = cfg.Logging.LogFormat
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	if format == "auto" {
		format = "json"
		if isTerminal(w) {
			format = "text"
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", describeError(err))
	os.Exit(1)
}

// describeError adds a hint for the failures a user can act on.
func describeError(err error) string {
	var capErr *b2ops.CapabilityError

	switch {
	case errors.As(err, &capErr):
		return err.Error() + " (create a key with this capability)"
	case errors.Is(err, b2ops.ErrCircuitOpen):
		return err.Error() + " (B2 is failing repeatedly; try again shortly)"
	case errors.Is(err, b2.ErrUnauthorized):
		return err.Error() + " (check B2_APPLICATION_KEY_ID and B2_APPLICATION_KEY)"
	default:
		return err.Error()
	}
}
