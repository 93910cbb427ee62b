package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/dashauth/pkg/authclient"
	"github.com/tyemirov/dashauth/pkg/sessionmirror"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	configCodeMissingProviderURL = "config.missing_provider_url"
	configCodeSessionFile        = "config.session_file"
	configCodeUninitialized      = "config.uninitialized_cli_config"
)

type contextKey string

const cliConfigContextKey contextKey = "cliConfig"

type cliConfig struct {
	ProviderURL string
	SessionFile string
	SiteURL     string
	Verbose     bool
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "dashctl",
		Short:             "Sign in, manage your profile, and inspect the session of a dashauth account",
		SilenceUsage:      true,
		PersistentPreRunE: prepareCLIConfig,
	}

	rootCmd.PersistentFlags().String("provider_url", "", "Base URL of the dashauth provider")
	rootCmd.PersistentFlags().String("session_file", "", "Session file shared by every dashctl process (default: user config dir)")
	rootCmd.PersistentFlags().String("site_url", "", "Front-end origin used for password reset redirects")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log debug output to stderr")

	for _, flagName := range []string{"provider_url", "session_file", "site_url", "verbose"} {
		_ = viper.BindPFlag(flagName, rootCmd.PersistentFlags().Lookup(flagName))
	}

	viper.SetEnvPrefix("DASH")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newSignUpCommand(),
		newLoginCommand(),
		newNonceCommand(),
		newLogoutCommand(),
		newWhoAmICommand(),
		newResetPasswordCommand(),
		newResetConfirmCommand(),
		newProfileCommand(),
		newHasRoleCommand(),
		newSettingsCommand(),
		newWatchCommand(),
	)
	return rootCmd
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareCLIConfig(command *cobra.Command, arguments []string) error {
	configuration, loadErr := loadCLIConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, cliConfigContextKey, configuration))
	return nil
}

func loadCLIConfig() (cliConfig, error) {
	providerURL := strings.TrimSpace(viper.GetString("provider_url"))
	if providerURL == "" {
		return cliConfig{}, configError(configCodeMissingProviderURL, "provider_url must be provided")
	}
	sessionFile := strings.TrimSpace(viper.GetString("session_file"))
	if sessionFile == "" {
		configDir, dirErr := os.UserConfigDir()
		if dirErr != nil {
			return cliConfig{}, configError(configCodeSessionFile, "session_file must be provided when no user config directory exists")
		}
		sessionFile = filepath.Join(configDir, "dashauth", "session.json")
	}
	return cliConfig{
		ProviderURL: providerURL,
		SessionFile: sessionFile,
		SiteURL:     strings.TrimSpace(viper.GetString("site_url")),
		Verbose:     viper.GetBool("verbose"),
	}, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		loggerConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	loggerConfig.OutputPaths = []string{"stderr"}
	loggerConfig.ErrorOutputPaths = []string{"stderr"}
	return loggerConfig.Build()
}

// session bundles the objects one invocation works with.
type session struct {
	client *authclient.Client
	mirror *sessionmirror.Mirror
	logger *zap.Logger
}

// withSession runs with a started mirror and closes it afterwards. A failed
// session restore is logged, not returned.
func withSession(command *cobra.Command, run func(ctx context.Context, current session) error) error {
	configuration, ok := command.Context().Value(cliConfigContextKey).(cliConfig)
	if !ok {
		return configError(configCodeUninitialized, "cli configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	logger, loggerErr := newLogger(configuration.Verbose)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	storage, storageErr := authclient.NewFileStorage(configuration.SessionFile)
	if storageErr != nil {
		return storageErr
	}
	client, clientErr := authclient.New(authclient.Config{
		BaseURL: configuration.ProviderURL,
		Storage: storage,
		Logger:  logger,
	})
	if clientErr != nil {
		return clientErr
	}
	mirror := sessionmirror.New(client, sessionmirror.Options{
		Logger: logger,
		Origin: configuration.SiteURL,
	})
	ctx := command.Context()
	defer func() { _ = mirror.Close() }()
	if subscribeErr := mirror.Subscribe(ctx); subscribeErr != nil {
		return subscribeErr
	}
	// A stored session the provider rejects must not block login or logout;
	// the failure stays visible in the mirror state.
	if initErr := mirror.Initialize(ctx); initErr != nil {
		logger.Warn("session restore failed",
			zap.String("code", "dashctl.session.restore_failed"),
			zap.Error(initErr))
	}

	return run(ctx, session{client: client, mirror: mirror, logger: logger})
}

func printJSON(out io.Writer, value interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
