package tokibot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"slices"
	"strings"
)

// Slash command names
const (
	DiscordSlashCommandConfess           = "confesser"
	DiscordSlashCommandDeleteConfession  = "supprimer_confession"
	DiscordSlashCommandBanConfession     = "banconfession"
	DiscordSlashCommandUnbanConfession   = "unbanconfession"
	DiscordSlashCommandListBanConfession = "listbanconfession"
	DiscordSlashCommandBan               = "ban"
	DiscordSlashCommandUnban             = "unban"
	DiscordSlashCommandKick              = "kick"
	DiscordSlashCommandMute              = "mute"
	DiscordSlashCommandUnmute            = "unmute"
	DiscordSlashCommandWelcomeChannel    = "c_welcome"
	DiscordSlashCommandWelcomeOn         = "c_active"
	DiscordSlashCommandWelcomeOff        = "c_desactive"
)

// Slash command option names
const (
	optionMember   = "membre"
	optionUserID   = "user_id"
	optionDuration = "duree"
	optionReason   = "raison"
	optionID       = "id"
	optionChannel  = "salon"
)

// appCommands returns every slash command the bot registers.
func appCommands() []*discordgo.ApplicationCommand {
	dmPerm := false
	moderatorPerms := int64(discordgo.PermissionBanMembers)
	adminPerms := int64(discordgo.PermissionAdministrator)
	minID := float64(1)

	memberOption := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        optionMember,
			Description: description,
			Required:    true,
		}
	}
	durationOption := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionDuration,
			Description: "Durée (10s, 5m, 2h, 1j)",
			Required:    required,
		}
	}
	reasonOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionReason,
		Description: "Raison",
		MaxLength:   reportReasonMaxLength,
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:         DiscordSlashCommandConfess,
			Description:  "Envoyer une confession anonyme",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
		},
		{
			Name:         DiscordSlashCommandDeleteConfession,
			Description:  "Supprimer une de tes confessions",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionID,
					Description: "Numéro de la confession",
					Required:    true,
					MinValue:    &minID,
				},
				reasonOption,
			},
		},
		{
			Name:                     DiscordSlashCommandBanConfession,
			Description:              "Bannir un membre du système de confessions",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatorPerms,
			Options: []*discordgo.ApplicationCommandOption{
				memberOption("Membre à bannir"),
				durationOption(false),
			},
		},
		{
			Name:                     DiscordSlashCommandUnbanConfession,
			Description:              "Débannir un membre du système de confessions",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatorPerms,
			Options: []*discordgo.ApplicationCommandOption{
				memberOption("Membre à débannir"),
			},
		},
		{
			Name:                     DiscordSlashCommandListBanConfession,
			Description:              "Lister les bannis du système de confessions",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatorPerms,
		},
		{
			Name:                     DiscordSlashCommandBan,
			Description:              "Bannir un membre, temporairement ou définitivement",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatorPerms,
			Options: []*discordgo.ApplicationCommandOption{
				memberOption("Membre à bannir"),
				durationOption(false),
				reasonOption,
			},
		},
		{
			Name:                     DiscordSlashCommandUnban,
			Description:              "Débannir un utilisateur",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatorPerms,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionUserID,
					Description: "ID de l'utilisateur",
					Required:    true,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandKick,
			Description:              "Expulser un membre",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatorPerms,
			Options: []*discordgo.ApplicationCommandOption{
				memberOption("Membre à expulser"),
				reasonOption,
			},
		},
		{
			Name:                     DiscordSlashCommandMute,
			Description:              "Rendre un membre muet",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatorPerms,
			Options: []*discordgo.ApplicationCommandOption{
				memberOption("Membre à rendre muet"),
				durationOption(true),
				reasonOption,
			},
		},
		{
			Name:                     DiscordSlashCommandUnmute,
			Description:              "Rendre la parole à un membre",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatorPerms,
			Options: []*discordgo.ApplicationCommandOption{
				memberOption("Membre"),
			},
		},
		{
			Name:                     DiscordSlashCommandWelcomeChannel,
			Description:              "Définir le salon de bienvenue",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &adminPerms,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         optionChannel,
					Description:  "Salon où accueillir les nouveaux membres",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
		{
			Name:                     DiscordSlashCommandWelcomeOn,
			Description:              "Activer le message de bienvenue",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &adminPerms,
		},
		{
			Name:                     DiscordSlashCommandWelcomeOff,
			Description:              "Désactiver le message de bienvenue",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &adminPerms,
		},
	}
}

// registerCommands overwrites the application's slash commands, in the
// configured guild or globally.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		appCommands(),
		options...,
	)
}

// isModerator reports whether the member behind the interaction may use
// moderation commands: administrators, members with the configured
// moderator role, and the configured extra owners.
func (d *Discord) isModerator(i *discordgo.InteractionCreate) bool {
	if u := getDiscordUser(i); u != nil && slices.Contains(d.config.ExtraOwnerIDs, u.ID) {
		return true
	}
	m := i.Member
	if m == nil {
		return false
	}
	if m.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return d.config.ModeratorRoleID != "" && slices.Contains(m.Roles, d.config.ModeratorRoleID)
}

// isAdministrator reports whether the member behind the interaction may
// change the bot's settings: administrators and the configured extra
// owners.
func (d *Discord) isAdministrator(i *discordgo.InteractionCreate) bool {
	if u := getDiscordUser(i); u != nil && slices.Contains(d.config.ExtraOwnerIDs, u.ID) {
		return true
	}
	return i.Member != nil && i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

// optionUser returns the user given for the named option, preferring the
// resolved user data sent with the interaction.
func optionUser(
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) *discordgo.User {
	userID := optionString(options, name)
	if userID == "" {
		return nil
	}
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if u, ok := resolved.Users[userID]; ok && u != nil {
			return u
		}
	}
	return &discordgo.User{ID: userID}
}

// handleApplicationCommand routes a slash command to its handler.
func (b *Bot) handleApplicationCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	name := i.ApplicationCommandData().Name
	logger := contextLoggerOr(ctx, b.logger)

	if i.GuildID == "" {
		b.discord.respond(ctx, i.Interaction, "❌ Cette commande ne fonctionne que sur un serveur.", true)
		return
	}

	switch name {
	case DiscordSlashCommandConfess:
		b.commandConfess(ctx, i)
	case DiscordSlashCommandDeleteConfession:
		b.commandDeleteConfession(ctx, i)
	case DiscordSlashCommandBanConfession,
		DiscordSlashCommandUnbanConfession,
		DiscordSlashCommandListBanConfession,
		DiscordSlashCommandBan,
		DiscordSlashCommandUnban,
		DiscordSlashCommandKick,
		DiscordSlashCommandMute,
		DiscordSlashCommandUnmute:
		if !b.discord.isModerator(i) {
			logger.WarnContext(ctx, "moderation command refused", "command", name)
			b.discord.respond(ctx, i.Interaction, "Accès refusé : tu n'es pas modérateur.", true)
			return
		}
		b.handleModerationCommand(ctx, name, i)
	case DiscordSlashCommandWelcomeChannel,
		DiscordSlashCommandWelcomeOn,
		DiscordSlashCommandWelcomeOff:
		if !b.discord.isAdministrator(i) {
			logger.WarnContext(ctx, "settings command refused", "command", name)
			b.discord.respond(ctx, i.Interaction, DefaultDiscordNoPermMessage, true)
			return
		}
		b.handleWelcomeCommand(ctx, name, i)
	default:
		logger.WarnContext(ctx, "unknown command", "command", name)
		b.discord.respond(ctx, i.Interaction, DefaultDiscordErrorMessage, true)
	}
}

func (b *Bot) handleModerationCommand(
	ctx context.Context,
	name string,
	i *discordgo.InteractionCreate,
) {
	switch name {
	case DiscordSlashCommandBanConfession:
		b.commandBanConfession(ctx, i)
	case DiscordSlashCommandUnbanConfession:
		b.commandUnbanConfession(ctx, i)
	case DiscordSlashCommandListBanConfession:
		b.commandListBanConfession(ctx, i)
	case DiscordSlashCommandBan:
		b.commandBan(ctx, i)
	case DiscordSlashCommandUnban:
		b.commandUnban(ctx, i)
	case DiscordSlashCommandKick:
		b.commandKick(ctx, i)
	case DiscordSlashCommandMute:
		b.commandMute(ctx, i)
	case DiscordSlashCommandUnmute:
		b.commandUnmute(ctx, i)
	}
}

// handleMessageComponent routes button clicks on published confessions.
func (b *Bot) handleMessageComponent(ctx context.Context, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	action, confessionID, ok := parseConfessionCustomID(customID)
	if !ok {
		contextLoggerOr(ctx, b.logger).WarnContext(ctx, "unknown component", "custom_id", customID)
		b.discord.respond(ctx, i.Interaction, DefaultDiscordErrorMessage, true)
		return
	}
	switch action {
	case customIDConfessReport:
		b.componentReport(ctx, i, confessionID)
	case customIDConfessReply:
		b.componentReply(ctx, i, confessionID)
	default:
		contextLoggerOr(ctx, b.logger).WarnContext(ctx, "unknown component", "custom_id", customID)
		b.discord.respond(ctx, i.Interaction, DefaultDiscordErrorMessage, true)
	}
}

// handleModalSubmit routes submitted confession, reply and report modals.
func (b *Bot) handleModalSubmit(ctx context.Context, i *discordgo.InteractionCreate) {
	data := i.ModalSubmitData()
	if data.CustomID == customIDConfessModal {
		b.modalConfess(ctx, i, modalValues(data))
		return
	}

	action, confessionID, ok := parseConfessionCustomID(data.CustomID)
	switch {
	case ok && action == customIDConfessReplyModal:
		b.modalReply(ctx, i, confessionID, modalValues(data))
	case ok && action == customIDConfessReportModal:
		b.modalReport(ctx, i, confessionID, modalValues(data))
	default:
		contextLoggerOr(ctx, b.logger).WarnContext(
			ctx,
			"unknown modal",
			"custom_id", data.CustomID,
		)
		b.discord.respond(ctx, i.Interaction, DefaultDiscordErrorMessage, true)
	}
}

// interactionName returns a short label for the interaction, for metrics.
func interactionName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		action, _, _ := strings.Cut(i.MessageComponentData().CustomID, customIDSeparator)
		return action
	case discordgo.InteractionModalSubmit:
		action, _, _ := strings.Cut(i.ModalSubmitData().CustomID, customIDSeparator)
		return action
	default:
		return ""
	}
}

// logDeliveryFailure logs a failed discord call that the user has
// already been told about.
func (b *Bot) logDeliveryFailure(ctx context.Context, msg string, err error, args ...any) {
	args = append(args, tint.Err(err))
	contextLoggerOr(ctx, b.logger).ErrorContext(ctx, msg, args...)
}
