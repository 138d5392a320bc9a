package tokibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// customIDSeparator separates a component's action from the
	// confession ID it applies to, ex: `confess_reply:12`
	customIDSeparator = ":"

	customIDConfessReport      = "confess_report"
	customIDConfessReply       = "confess_reply"
	customIDConfessModal       = "confess_modal"
	customIDConfessReplyModal  = "confess_reply_modal"
	customIDConfessReportModal = "confess_report_modal"

	modalInputConfession = "confession"
	modalInputReply      = "response"
	modalInputReason     = "reason"

	discordEmbedFieldMaxLength = 1024
	reportReasonMaxLength      = 500

	colorPurple    = 0x9B59B6
	colorGold      = 0xF1C40F
	colorRed       = 0xE74C3C
	colorDarkRed   = 0x992D22
	colorGreen     = 0x2ECC71
	colorOrange    = 0xE67E22
	colorTeal      = 0x1ABC9C
	colorBlurple   = 0x5865F2
	anonymousLabel = "message anonyme."
)

// Discord wraps the discord session, and tracks the guilds the bot is in.
//
// It implements [SanctionReverser] for the sanction sweep, and
// [UserResolver] for the confession ban list.
type Discord struct {
	session            DiscordSessionHandler
	config             *DiscordConfig
	logger             *slog.Logger
	connected          atomic.Bool
	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	removeHandlerFuncs []func()

	// ready receives a value each time the gateway sends Ready
	ready chan struct{}

	// userID is the bot's user ID, as reported by Ready
	userID atomic.Value

	guilds   map[string]struct{}
	guildsMu sync.RWMutex
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:             config,
		logger:             logger,
		guilds:             map[string]struct{}{},
		removeHandlerFuncs: []func(){},
		ready:              make(chan struct{}, 1),
	}
}

// newSession initializes a new discordgo session, wrapped in a
// [DiscordSession].
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// botUserID returns the bot's user ID. Before the first Ready, this is
// the application ID, which discord assigns to the bot user as well.
func (d *Discord) botUserID() string {
	if id, ok := d.userID.Load().(string); ok && id != "" {
		return id
	}
	return d.config.ApplicationID
}

// Guilds returns the IDs of the guilds the bot is currently in, sorted.
func (d *Discord) Guilds() []string {
	d.guildsMu.RLock()
	defer d.guildsMu.RUnlock()
	ids := make([]string, 0, len(d.guilds))
	for id := range d.guilds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (d *Discord) addGuild(guildID string) {
	if guildID == "" {
		return
	}
	d.guildsMu.Lock()
	defer d.guildsMu.Unlock()
	d.guilds[guildID] = struct{}{}
	metricGuilds.Set(float64(len(d.guilds)))
}

func (d *Discord) removeGuild(guildID string) {
	d.guildsMu.Lock()
	defer d.guildsMu.Unlock()
	delete(d.guilds, guildID)
	metricGuilds.Set(float64(len(d.guilds)))
}

// UnbanMember lifts a guild ban.
func (d *Discord) UnbanMember(ctx context.Context, guildID string, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.session.GuildBanDelete(guildID, userID); err != nil {
		return deliveryError("unban", err)
	}
	return nil
}

// UserTag returns the display tag of the given user.
func (d *Discord) UserTag(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u, err := d.session.User(userID)
	if err != nil {
		return "", deliveryError("user lookup", err)
	}
	return u.String(), nil
}

// isThread reports whether the given channel is a thread. Lookup
// failures are treated as "not a thread".
func (d *Discord) isThread(channelID string) bool {
	ch, err := d.session.Channel(channelID)
	if err != nil {
		d.logger.Warn("unable to look up channel", "channel_id", channelID, tint.Err(err))
		return false
	}
	return ch.IsThread()
}

// sendDM sends an embed to the user as a direct message. Delivery is
// best effort: users may have DMs closed, so failures are only logged.
func (d *Discord) sendDM(ctx context.Context, userID string, embed *discordgo.MessageEmbed) bool {
	logger := contextLoggerOr(ctx, d.logger)
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		logger.InfoContext(ctx, "unable to open DM channel", "user_id", userID, tint.Err(err))
		return false
	}
	_, err = d.session.ChannelMessageSendComplex(
		ch.ID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	)
	if err != nil {
		logger.InfoContext(ctx, "unable to send DM", "user_id", userID, tint.Err(err))
		return false
	}
	return true
}

// sendEmbed posts an embed to the given channel, if one is configured.
// Failures are logged and otherwise ignored.
func (d *Discord) sendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
	files ...*discordgo.File,
) {
	if channelID == "" {
		return
	}
	_, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds:          []*discordgo.MessageEmbed{embed},
			Files:           files,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
	if err != nil {
		contextLoggerOr(ctx, d.logger).WarnContext(
			ctx,
			"unable to send log message",
			"channel_id", channelID,
			"title", embed.Title,
			tint.Err(err),
		)
	}
}

// respond replies to an interaction with a plain message.
func (d *Discord) respond(
	ctx context.Context,
	i *discordgo.Interaction,
	content string,
	ephemeral bool,
) {
	data := &discordgo.InteractionResponseData{
		Content:         truncate(content, discordMaxMessageLength),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	d.respondWith(
		ctx,
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
}

func (d *Discord) respondWith(
	ctx context.Context,
	i *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
) {
	if err := d.session.InteractionRespond(i, resp); err != nil {
		contextLoggerOr(ctx, d.logger).ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
		)
	}
}

// respondError answers the interaction with the user-facing message for
// err. Expected refusals are logged at debug level, anything else as an
// error.
func (d *Discord) respondError(ctx context.Context, i *discordgo.Interaction, err error) {
	logger := contextLoggerOr(ctx, d.logger)
	if isExpectedError(err) {
		logger.DebugContext(ctx, "request refused", tint.Err(err))
	} else {
		logger.ErrorContext(ctx, "request failed", tint.Err(err))
	}
	d.respond(ctx, i, UserMessage(err), true)
}

// deferResponse acknowledges an interaction that will take longer than
// discord's three second response window. The response is completed
// with editResponse.
func (d *Discord) deferResponse(ctx context.Context, i *discordgo.Interaction, ephemeral bool) error {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := d.session.InteractionRespond(i, resp); err != nil {
		contextLoggerOr(ctx, d.logger).ErrorContext(
			ctx,
			"error acknowledging interaction",
			tint.Err(err),
		)
		return err
	}
	return nil
}

func (d *Discord) editResponse(
	ctx context.Context,
	i *discordgo.Interaction,
	content string,
	embeds ...*discordgo.MessageEmbed,
) {
	content = truncate(content, discordMaxMessageLength)
	edit := &discordgo.WebhookEdit{Content: &content}
	if len(embeds) > 0 {
		edit.Embeds = &embeds
	}
	if _, err := d.session.InteractionResponseEdit(i, edit); err != nil {
		contextLoggerOr(ctx, d.logger).ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
		)
	}
}

// followup sends an ephemeral followup message to an interaction that's
// already been responded to.
func (d *Discord) followup(ctx context.Context, i *discordgo.Interaction, content string) {
	_, err := d.session.FollowupMessageCreate(
		i,
		false,
		&discordgo.WebhookParams{
			Content: truncate(content, discordMaxMessageLength),
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	)
	if err != nil {
		contextLoggerOr(ctx, d.logger).ErrorContext(ctx, "error sending followup", tint.Err(err))
	}
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		for _, g := range r.Guilds {
			d.addGuild(g.ID)
		}
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
			d.userID.Store(userID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", userID,
			"username", username,
			"guilds", len(r.Guilds),
		)
		select {
		case d.ready <- struct{}{}:
		default:
		}
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		metricDiscordConnected.Set(1)
		d.logger.Info("connected")
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		metricDiscordConnected.Set(0)
		d.logger.Info("disconnected")
	}
}

func (d *Discord) handlerGuildCreate() func(s *discordgo.Session, g *discordgo.GuildCreate) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil {
			return
		}
		d.addGuild(g.ID)
		d.logger.Info("joined guild", "guild_id", g.ID, "name", g.Name)
	}
}

func (d *Discord) handlerGuildDelete() func(s *discordgo.Session, g *discordgo.GuildDelete) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Guild == nil {
			return
		}
		// an unavailable guild is an outage, not a removal
		if g.Unavailable {
			d.logger.Warn("guild unavailable", "guild_id", g.ID)
			return
		}
		d.removeGuild(g.ID)
		d.logger.Info("left guild", "guild_id", g.ID)
	}
}

// DiscordSessionHandler defines the methods from `discordgo.Session` which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the response to the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupMessageCreate sends an additional message to an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessages returns up to limit messages from the channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// MessageThreadStartComplex starts a thread on the given message
	MessageThreadStartComplex(
		channelID string,
		messageID string,
		data *discordgo.ThreadStart,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)

	GuildThreadsActive(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.ThreadsList, error)

	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		options ...discordgo.RequestOption,
	) error

	GuildBanDelete(guildID string, userID string, options ...discordgo.RequestOption) error

	// Guild returns the guild, including its owner and roles
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// GuildWithCounts returns the guild with its approximate member count
	GuildWithCounts(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// GuildMember returns a guild member, or a 404 RESTError if the user
	// isn't in the guild
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// GuildMemberDeleteWithReason kicks the member from the guild
	GuildMemberDeleteWithReason(
		guildID string,
		userID string,
		reason string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberTimeout times out the member until the given time, or
	// clears the timeout if until is nil
	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	} else {
		d.logger.Debug("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessageDelete(channelID, messageID, options...)
	if err != nil {
		d.logger.Error(
			"error deleting message",
			"channel_id", channelID,
			"message_id", messageID,
			tint.Err(err),
		)
	}
	return err
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.MessageThreadStartComplex(channelID, messageID, data, options...)
	if err != nil {
		d.logger.Error(
			"error starting thread",
			"channel_id", channelID,
			"message_id", messageID,
			tint.Err(err),
		)
	} else {
		d.logger.Info("started thread", "thread_id", ch.ID, "name", ch.Name)
	}
	return ch, err
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelDelete(channelID, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) GuildThreadsActive(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	return d.session.GuildThreadsActive(guildID, options...)
}

func (d DiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildBanCreateWithReason(guildID, userID, reason, days, options...)
	if err != nil {
		d.logger.Error("error banning member", "guild_id", guildID, "user_id", userID, tint.Err(err))
	} else {
		d.logger.Info("banned member", "guild_id", guildID, "user_id", userID)
	}
	return err
}

func (d DiscordSession) GuildBanDelete(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildBanDelete(guildID, userID, options...)
	if err != nil {
		d.logger.Error("error unbanning member", "guild_id", guildID, "user_id", userID, tint.Err(err))
	} else {
		d.logger.Info("unbanned member", "guild_id", guildID, "user_id", userID)
	}
	return err
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberDeleteWithReason(guildID, userID, reason, options...)
	if err != nil {
		d.logger.Error("error kicking member", "guild_id", guildID, "user_id", userID, tint.Err(err))
	} else {
		d.logger.Info("kicked member", "guild_id", guildID, "user_id", userID)
	}
	return err
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberTimeout(guildID, userID, until, options...)
	if err != nil {
		d.logger.Error("error updating member timeout", "guild_id", guildID, "user_id", userID, tint.Err(err))
	} else {
		d.logger.Info("updated member timeout", "guild_id", guildID, "user_id", userID, "until", until)
	}
	return err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildWithCounts(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.GuildWithCounts(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// confessionCustomID returns the custom ID for a component acting on the
// given confession.
func confessionCustomID(action string, confessionID int64) string {
	return action + customIDSeparator + strconv.FormatInt(confessionID, 10)
}

// parseConfessionCustomID splits a custom ID produced by
// confessionCustomID.
func parseConfessionCustomID(customID string) (string, int64, bool) {
	action, rawID, ok := strings.Cut(customID, customIDSeparator)
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id < 1 {
		return "", 0, false
	}
	return action, id, true
}

// discordModalResponse returns a discordgo.InteractionResponse containing
// a modal with a single text input.
func discordModalResponse(
	modalID string,
	title string,
	input discordgo.TextInput,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: modalID,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{input},
				},
			},
		},
	}
}

// modalValues returns the submitted text input values, keyed by the
// input's custom ID.
func modalValues(data discordgo.ModalSubmitInteractionData) map[string]string {
	values := map[string]string{}
	for _, c := range data.Components {
		var components []discordgo.MessageComponent
		switch row := c.(type) {
		case *discordgo.ActionsRow:
			components = row.Components
		case discordgo.ActionsRow:
			components = row.Components
		default:
			continue
		}
		for _, rc := range components {
			switch input := rc.(type) {
			case *discordgo.TextInput:
				values[input.CustomID] = input.Value
			case discordgo.TextInput:
				values[input.CustomID] = input.Value
			}
		}
	}
	return values
}

// confessionComponents returns the buttons shown under a published
// confession: report, and reply unless replies are disabled.
func confessionComponents(confessionID int64, replyEnabled bool) []discordgo.MessageComponent {
	buttons := []discordgo.MessageComponent{
		discordgo.Button{
			Label:    "Signaler",
			Style:    discordgo.DangerButton,
			CustomID: confessionCustomID(customIDConfessReport, confessionID),
		},
	}
	if replyEnabled {
		buttons = append(
			buttons,
			discordgo.Button{
				Label:    "Répondre",
				Style:    discordgo.PrimaryButton,
				CustomID: confessionCustomID(customIDConfessReply, confessionID),
			},
		)
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

// messageLink returns a link to a guild channel or message.
func messageLink(guildID string, channelID string, messageID string) string {
	link := fmt.Sprintf("https://discord.com/channels/%s/%s", guildID, channelID)
	if messageID != "" {
		link += "/" + messageID
	}
	return link
}

// isNotFound reports whether err is a discord 404 response.
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

func userMention(userID string) string {
	return "<@" + userID + ">"
}

func userLabel(u *discordgo.User) string {
	if u == nil {
		return "inconnu"
	}
	return fmt.Sprintf("%s (%s)", u.String(), u.ID)
}

func embedTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
