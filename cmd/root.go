package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wengley/universal-bot-discord/universalbot"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = universalbot.DefaultConfig()
	configFile string
	envPrefix  = universalbot.DefaultEnvPrefix
)

// logLevelKeys are config keys parsed from level names (ex: "INFO")
// into *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// sliceKeys are space-separated lists when set from the environment
var sliceKeys = []string{
	"api.cors.allow_headers",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "universalbot [flags]",
	Short: "A discord community bot, configured from a web dashboard",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", universalbot.DefaultDatabase)
	viper.SetDefault("database_type", universalbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		universalbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		universalbot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", universalbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", universalbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", universalbot.DefaultShutdownTimeout)
	viper.SetDefault("audit_log_limit", universalbot.DefaultAuditLogLimit)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault(
		"discord.log_level",
		universalbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		universalbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		universalbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.command_prefix", universalbot.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.custom_status", universalbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.default_icon_url", universalbot.DefaultDiscordDefaultIconURL)

	// OAuth config
	viper.SetDefault("oauth.client_id", "")
	viper.SetDefault("oauth.client_secret", "")
	viper.SetDefault("oauth.callback_url", "")
	viper.SetDefault("oauth.scopes", universalbot.DefaultOAuthScopes)

	// API config
	viper.SetDefault("api.listen", universalbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.external_url", universalbot.DefaultAPIExternalURL)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", universalbot.DefaultAPILogLevel.String())
	viper.SetDefault(
		"api.session_max_age",
		universalbot.DefaultAPISessionMaxAge,
	)
	viper.SetDefault(
		"api.test_sends_per_minute",
		universalbot.DefaultAPITestSendsPerMin,
	)
	viper.SetDefault("api.read_timeout", universalbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		universalbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", universalbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", universalbot.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", universalbot.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		universalbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		universalbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		universalbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", universalbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		universalbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix = os.Getenv(universalbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = universalbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config (.env) file to use",
	)
}
