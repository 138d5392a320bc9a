//nolint:lll // struct tags can't be split
package tokibot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"path/filepath"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "TOKIBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "TOKIBOT"
	DefaultDataDir         = "data"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers
	DefaultDiscordCustomStatus = "/confesser pour te confier"

	DefaultStoreLogLevel = slog.LevelInfo

	DefaultSanctionSweepInterval = 10 * time.Second
	DefaultSanctionMaxDuration   = 28 * 24 * time.Hour
	DefaultSanctionSweepWorkers  = 4

	DefaultConfessionRateLimitWindow         = time.Hour
	DefaultConfessionRateLimitMax            = 5
	DefaultConfessionMinLength               = 10
	DefaultConfessionMaxLength               = 2000
	DefaultConfessionReplyThreadArchive      = 60
	DefaultConfessionTranscriptMessageLimit  = 100
	DefaultConfessionBanListDisplayCacheSize = 256
	DefaultConfessionBanListDisplayCacheTTL  = 30 * time.Minute

	DefaultReconcileEnabled           = true
	DefaultReconcileTimeout           = 2 * time.Minute
	DefaultReconcileRequestsPerSecond = 5
	DefaultReconcileConcurrency       = 4

	DefaultAPIEnabled           = true
	DefaultAPIListen            = "0.0.0.0:8080"
	DefaultAPILogLevel          = slog.LevelInfo
	DefaultReadTimeout          = 5 * time.Second
	DefaultReadHeaderTimeout    = 5 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultIdleTimeout          = 30 * time.Second
	DefaultListenNetwork        = "tcp"
	discordMaxMessageLength     = 2000
	discordMaxEmbedDescription  = 4096
	DefaultDiscordErrorMessage  = genericFailureMessage
	DefaultDiscordNoPermMessage = "❌ Tu n'as pas la permission d'utiliser cette commande."
)

// Names of the JSON documents kept under [Config.DataDir].
const (
	SanctionsFile         = "mod_data.json"
	ConfessionsFile       = "confessions.json"
	ConfessionBansFile    = "confession_bans.json"
	ConfessionConfigFile  = "confession_config.json"
	ConfessionReportsFile = "confession_reports.json"
	ConfessionActionsFile = "confession_actions.json"
	WelcomeConfigFile     = "welcome_config.json"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}

type Config struct {
	// DataDir is the directory holding the bot's JSON documents
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect and register commands. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// StoreLogLevel sets the log level for JSON document reads and writes
	StoreLogLevel *slog.LevelVar `yaml:"store_log_level" mapstructure:"store_log_level" json:"store_log_level"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Sanctions configures the temporary ban ledger
	Sanctions *SanctionConfig `yaml:"sanctions" mapstructure:"sanctions" json:"sanctions"`

	// Confessions configures the confession board
	Confessions *ConfessionConfig `yaml:"confessions" mapstructure:"confessions" json:"confessions"`

	// Reconcile configures the startup pass that repairs confession locations
	Reconcile *ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile" json:"reconcile"`

	// API configures the keep-alive/health/metrics HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Path returns the location of the named document under DataDir.
func (c Config) Path(name string) string {
	return filepath.Join(c.DataDir, name)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is shown as the bot's presence
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// AdminLogChannelID receives confession copies that include the author,
	// and deleted-thread transcripts
	AdminLogChannelID string `yaml:"admin_log_channel_id" mapstructure:"admin_log_channel_id" json:"admin_log_channel_id"`

	// CommandLogChannelID receives moderation audit messages (ban, kick, mute...)
	CommandLogChannelID string `yaml:"command_log_channel_id" mapstructure:"command_log_channel_id" json:"command_log_channel_id"`

	// ReportLogChannelID receives confession reports
	ReportLogChannelID string `yaml:"report_log_channel_id" mapstructure:"report_log_channel_id" json:"report_log_channel_id"`

	// WelcomeChannelID is where new members are greeted, until a channel
	// is set with the welcome command
	WelcomeChannelID string `yaml:"welcome_channel_id" mapstructure:"welcome_channel_id" json:"welcome_channel_id"`

	// ModeratorRoleID, if set, grants moderation commands to members with
	// this role in addition to administrators
	ModeratorRoleID string `yaml:"moderator_role_id" mapstructure:"moderator_role_id" json:"moderator_role_id"`

	// ExtraOwnerIDs are user IDs always allowed to run moderation commands
	ExtraOwnerIDs []string `yaml:"extra_owner_ids" mapstructure:"extra_owner_ids" json:"extra_owner_ids"`
}

// SanctionConfig configures the temporary ban ledger and its sweep.
type SanctionConfig struct {
	// SweepInterval is how often expired bans are reversed
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval" binding:"min=1s"`

	// MaxDuration caps the length of a timed ban or mute
	MaxDuration time.Duration `yaml:"max_duration" mapstructure:"max_duration" json:"max_duration" binding:"min=1s"`

	// SweepWorkers limits how many guilds are unbanned concurrently
	SweepWorkers int `yaml:"sweep_workers" mapstructure:"sweep_workers" json:"sweep_workers" binding:"min=1"`
}

// ConfessionConfig configures the confession board.
type ConfessionConfig struct {
	RateLimitWindow time.Duration `yaml:"rate_limit_window" mapstructure:"rate_limit_window" json:"rate_limit_window" binding:"min=1s"`
	RateLimitMax    int           `yaml:"rate_limit_max" mapstructure:"rate_limit_max" json:"rate_limit_max" binding:"min=1"`
	MinLength       int           `yaml:"min_length" mapstructure:"min_length" json:"min_length" binding:"min=1"`
	MaxLength       int           `yaml:"max_length" mapstructure:"max_length" json:"max_length" binding:"min=1,max=4000,gtefield=MinLength"`

	// ReplyThreadArchiveMinutes is the auto-archive duration of reply threads
	ReplyThreadArchiveMinutes int `yaml:"reply_thread_archive_minutes" mapstructure:"reply_thread_archive_minutes" json:"reply_thread_archive_minutes" binding:"oneof=60 1440 4320 10080"`

	// TranscriptMessageLimit is the number of thread messages captured
	// before a confession is deleted
	TranscriptMessageLimit int `yaml:"transcript_message_limit" mapstructure:"transcript_message_limit" json:"transcript_message_limit" binding:"min=1,max=100"`

	// Display names shown by the ban list are cached for this long
	BanListCacheSize int           `yaml:"ban_list_cache_size" mapstructure:"ban_list_cache_size" json:"ban_list_cache_size" binding:"min=1"`
	BanListCacheTTL  time.Duration `yaml:"ban_list_cache_ttl" mapstructure:"ban_list_cache_ttl" json:"ban_list_cache_ttl"`
}

// ReconcileConfig configures the startup search for confessions whose
// channel is unknown.
type ReconcileConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"required_if=Enabled true"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"required_if=Enabled true"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency" json:"concurrency" binding:"required_if=Enabled true"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "0.0.0.0:8080").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	storeLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	storeLogLevel.Set(DefaultStoreLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DataDir:         DefaultDataDir,
		LogLevel:        mainLogLevel,
		StoreLogLevel:   storeLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Sanctions: &SanctionConfig{
			SweepInterval: DefaultSanctionSweepInterval,
			MaxDuration:   DefaultSanctionMaxDuration,
			SweepWorkers:  DefaultSanctionSweepWorkers,
		},
		Confessions: &ConfessionConfig{
			RateLimitWindow:           DefaultConfessionRateLimitWindow,
			RateLimitMax:              DefaultConfessionRateLimitMax,
			MinLength:                 DefaultConfessionMinLength,
			MaxLength:                 DefaultConfessionMaxLength,
			ReplyThreadArchiveMinutes: DefaultConfessionReplyThreadArchive,
			TranscriptMessageLimit:    DefaultConfessionTranscriptMessageLimit,
			BanListCacheSize:          DefaultConfessionBanListDisplayCacheSize,
			BanListCacheTTL:           DefaultConfessionBanListDisplayCacheTTL,
		},
		Reconcile: &ReconcileConfig{
			Enabled:           DefaultReconcileEnabled,
			Timeout:           DefaultReconcileTimeout,
			RequestsPerSecond: DefaultReconcileRequestsPerSecond,
			Concurrency:       DefaultReconcileConcurrency,
		},
		API: &APIConfig{
			Enabled:           DefaultAPIEnabled,
			Listen:            DefaultAPIListen,
			ListenNetwork:     DefaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
