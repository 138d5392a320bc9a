package cmd

import (
	"context"
	"fmt"
	"github.com/calbusto/tokibot/tokibot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = tokibot.DefaultConfig()
	configFile string
)

// logLevelKeys are the settings holding a log level name, decoded into
// a *slog.LevelVar by LevelToStringHookFunc.
var logLevelKeys = []string{
	"log_level",
	"store_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "tokibot [flags]",
	Short: "Moderation and anonymous confessions for a discord community",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := decodeConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// decodeConfig unmarshals the current viper settings into c.
func decodeConfig(c *tokibot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
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

// LevelToStringHookFunc decodes a level name (DEBUG, INFO, WARN, ERROR)
// into a slog.LevelVar or *slog.LevelVar.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}

		// a non-nil *slog.LevelVar field is decoded through its element
		// type, so both forms are matched
		typ := t
		if t.Kind() == reflect.Ptr {
			typ = t.Elem()
		}
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

	viper.SetDefault("data_dir", tokibot.DefaultDataDir)
	viper.SetDefault("log_level", tokibot.DefaultLogLevel.String())
	viper.SetDefault("store_log_level", tokibot.DefaultStoreLogLevel.String())
	viper.SetDefault("startup_timeout", tokibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tokibot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", tokibot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		tokibot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(tokibot.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault("discord.custom_status", tokibot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.admin_log_channel_id", "")
	viper.SetDefault("discord.command_log_channel_id", "")
	viper.SetDefault("discord.report_log_channel_id", "")
	viper.SetDefault("discord.welcome_channel_id", "")
	viper.SetDefault("discord.moderator_role_id", "")
	viper.SetDefault("discord.extra_owner_ids", []string{})

	// Sanctions
	viper.SetDefault("sanctions.sweep_interval", tokibot.DefaultSanctionSweepInterval)
	viper.SetDefault("sanctions.max_duration", tokibot.DefaultSanctionMaxDuration)
	viper.SetDefault("sanctions.sweep_workers", tokibot.DefaultSanctionSweepWorkers)

	// Confessions
	viper.SetDefault(
		"confessions.rate_limit_window",
		tokibot.DefaultConfessionRateLimitWindow,
	)
	viper.SetDefault("confessions.rate_limit_max", tokibot.DefaultConfessionRateLimitMax)
	viper.SetDefault("confessions.min_length", tokibot.DefaultConfessionMinLength)
	viper.SetDefault("confessions.max_length", tokibot.DefaultConfessionMaxLength)
	viper.SetDefault(
		"confessions.reply_thread_archive_minutes",
		tokibot.DefaultConfessionReplyThreadArchive,
	)
	viper.SetDefault(
		"confessions.transcript_message_limit",
		tokibot.DefaultConfessionTranscriptMessageLimit,
	)
	viper.SetDefault(
		"confessions.ban_list_cache_size",
		tokibot.DefaultConfessionBanListDisplayCacheSize,
	)
	viper.SetDefault(
		"confessions.ban_list_cache_ttl",
		tokibot.DefaultConfessionBanListDisplayCacheTTL,
	)

	// Reconciliation
	viper.SetDefault("reconcile.enabled", tokibot.DefaultReconcileEnabled)
	viper.SetDefault("reconcile.timeout", tokibot.DefaultReconcileTimeout)
	viper.SetDefault(
		"reconcile.requests_per_second",
		tokibot.DefaultReconcileRequestsPerSecond,
	)
	viper.SetDefault("reconcile.concurrency", tokibot.DefaultReconcileConcurrency)

	// API config
	viper.SetDefault("api.enabled", tokibot.DefaultAPIEnabled)
	viper.SetDefault("api.listen", tokibot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", tokibot.DefaultListenNetwork)
	viper.SetDefault("api.log_level", tokibot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", tokibot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", tokibot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", tokibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tokibot.DefaultIdleTimeout)

	envPrefix := os.Getenv(tokibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tokibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for k, v := range viper.AllSettings() {
		if k == "discord" {
			continue
		}
		log.Printf("config: %s: %v", k, v)
	}

	for _, key := range logLevelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
