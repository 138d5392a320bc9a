package tokibot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"slices"
	"time"
)

const (
	msgInvalidDuration = "⚠️ Durée invalide. Utilise `10s`, `5m`, `2h`, ou `1j`."
	msgNoReason        = "Aucune raison fournie"

	msgTargetSelf     = "❌ Tu ne peux pas te sanctionner toi-même."
	msgTargetBot      = "❌ Je ne peux pas me sanctionner moi-même."
	msgTargetOwner    = "❌ Impossible de sanctionner le propriétaire du serveur."
	msgTargetAbove    = "❌ Ce membre a un rôle supérieur ou égal au tien."
	msgTargetAboveBot = "❌ Mon rôle est trop bas pour sanctionner ce membre."
	msgTargetAbsent   = "❌ Ce membre n'est pas sur le serveur."

	// discordMaxTimeout is the longest member timeout discord accepts
	discordMaxTimeout = 28 * 24 * time.Hour
)

// moderationLogEmbed is the audit message posted to the command log
// channel for each moderation action.
func moderationLogEmbed(
	action string,
	moderator string,
	target string,
	reason string,
	color int,
	extra ...*discordgo.MessageEmbedField,
) *discordgo.MessageEmbed {
	if reason == "" {
		reason = msgNoReason
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Modérateur", Value: moderator, Inline: true},
		{Name: "Cible", Value: target, Inline: true},
		{Name: "Raison", Value: truncate(reason, discordEmbedFieldMaxLength)},
	}
	return &discordgo.MessageEmbed{
		Title:     "🛡️ " + action,
		Color:     color,
		Fields:    append(fields, extra...),
		Timestamp: embedTimestamp(time.Now()),
	}
}

// checkModerationTarget returns the message to reply with if the
// moderator can't ban or kick target, or an empty string if they can.
// Users outside the guild can still be banned, so they pass unless
// mustBeMember is set.
func (b *Bot) checkModerationTarget(
	i *discordgo.InteractionCreate,
	target *discordgo.User,
	mustBeMember bool,
) (string, error) {
	moderator := getDiscordUser(i)
	botID := b.discord.botUserID()
	switch target.ID {
	case moderator.ID:
		return msgTargetSelf, nil
	case botID:
		return msgTargetBot, nil
	}

	session := b.discord.session
	guild, err := session.Guild(i.GuildID)
	if err != nil {
		return "", fmt.Errorf("error fetching guild: %w", err)
	}
	if target.ID == guild.OwnerID {
		return msgTargetOwner, nil
	}

	member, err := session.GuildMember(i.GuildID, target.ID)
	if err != nil {
		if !isNotFound(err) {
			return "", fmt.Errorf("error fetching member: %w", err)
		}
		if mustBeMember {
			return msgTargetAbsent, nil
		}
		return "", nil
	}
	targetTop := topRolePosition(guild, member.Roles)

	self, err := session.GuildMember(i.GuildID, botID)
	if err != nil {
		return "", fmt.Errorf("error fetching bot member: %w", err)
	}
	if targetTop >= topRolePosition(guild, self.Roles) {
		return msgTargetAboveBot, nil
	}
	if moderator.ID != guild.OwnerID && i.Member != nil &&
		targetTop >= topRolePosition(guild, i.Member.Roles) {
		return msgTargetAbove, nil
	}
	return "", nil
}

// topRolePosition returns the highest position among the given roles,
// or 0 (the position of @everyone) if the member has none.
func topRolePosition(guild *discordgo.Guild, roleIDs []string) int {
	top := 0
	for _, role := range guild.Roles {
		if role.Position > top && slices.Contains(roleIDs, role.ID) {
			top = role.Position
		}
	}
	return top
}

// parseOptionalDuration parses the duration option, if given. A nil
// duration means no duration was given.
func parseOptionalDuration(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*time.Duration, error) {
	raw := optionString(options, optionDuration)
	if raw == "" {
		return nil, nil
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// commandBan bans a member from the guild. With a duration, the ban is
// recorded in the sanction ledger, and lifted by the sweep once it
// expires. The member is notified before the ban, while they still share
// a guild with the bot, so targets the ban would fail on are refused
// before anything is sent.
func (b *Bot) commandBan(ctx context.Context, i *discordgo.InteractionCreate) {
	moderator := getDiscordUser(i)
	options := discordInteractionOptions(i)
	target := optionUser(i, options, optionMember)
	if target == nil {
		b.discord.respondError(ctx, i.Interaction, validationError("❌ Membre invalide."))
		return
	}
	duration, err := parseOptionalDuration(options)
	if err != nil {
		b.discord.respond(ctx, i.Interaction, msgInvalidDuration, true)
		return
	}
	reason := optionString(options, optionReason)
	if err = b.discord.deferResponse(ctx, i.Interaction, false); err != nil {
		return
	}

	rejection, err := b.checkModerationTarget(i, target, false)
	if err != nil {
		b.logDeliveryFailure(ctx, "error checking ban target", err, "user_id", target.ID)
		b.discord.editResponse(ctx, i.Interaction, "Erreur lors du ban.")
		return
	}
	if rejection != "" {
		b.discord.editResponse(ctx, i.Interaction, rejection)
		return
	}

	length := "définitivement"
	if duration != nil {
		length = "pour " + formatDuration(clampDuration(*duration, b.config.Sanctions.MaxDuration))
	}
	dmReason := reason
	if dmReason == "" {
		dmReason = msgNoReason
	}
	b.discord.sendDM(
		ctx,
		target.ID,
		&discordgo.MessageEmbed{
			Title:       "🚫 Vous avez été banni",
			Description: fmt.Sprintf("Vous avez été banni %s.\nRaison : %s", length, dmReason),
			Color:       colorRed,
		},
	)

	err = b.discord.session.GuildBanCreateWithReason(i.GuildID, target.ID, reason, 0)
	if err != nil {
		b.logDeliveryFailure(ctx, "error banning member", err, "user_id", target.ID)
		b.discord.editResponse(ctx, i.Interaction, "Erreur lors du ban.")
		return
	}

	msg := fmt.Sprintf("🔨 %s a été banni %s.", userLabel(target), length)
	record, err := b.ledger.Issue(target.ID, duration, reason, moderator.ID)
	if err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"member banned, but the sanction wasn't recorded",
			"user_id", target.ID,
			tint.Err(err),
		)
		msg += "\n⚠️ Le ban n'a pas pu être enregistré"
		if duration != nil {
			msg += " : il ne sera pas levé automatiquement"
		}
		msg += "."
	}

	var extra []*discordgo.MessageEmbedField
	if record.EndTime != nil {
		extra = append(
			extra,
			&discordgo.MessageEmbedField{
				Name:  "Fin",
				Value: fmt.Sprintf("<t:%d:f>", int64(*record.EndTime)),
			},
		)
	}
	b.discord.sendEmbed(
		ctx,
		b.config.Discord.CommandLogChannelID,
		moderationLogEmbed("Ban", userLabel(moderator), userLabel(target), reason, colorRed, extra...),
	)
	b.discord.editResponse(ctx, i.Interaction, msg)
}

// commandUnban lifts a guild ban, and drops the member's ledger record
// so the sweep doesn't act on it later.
func (b *Bot) commandUnban(ctx context.Context, i *discordgo.InteractionCreate) {
	moderator := getDiscordUser(i)
	targetID := optionString(discordInteractionOptions(i), optionUserID)
	if !isSnowflake(targetID) {
		b.discord.respondError(ctx, i.Interaction, validationError("❌ ID d'utilisateur invalide."))
		return
	}
	if err := b.discord.deferResponse(ctx, i.Interaction, false); err != nil {
		return
	}

	if _, err := b.ledger.Revoke(targetID, moderator.ID); err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"error revoking sanction",
			"user_id", targetID,
			tint.Err(err),
		)
	}

	if err := b.discord.session.GuildBanDelete(i.GuildID, targetID); err != nil {
		if isNotFound(err) {
			b.discord.editResponse(
				ctx,
				i.Interaction,
				fmt.Sprintf("⚠️ %s n'était pas banni.", userMention(targetID)),
			)
			return
		}
		b.logDeliveryFailure(ctx, "error unbanning member", err, "user_id", targetID)
		b.discord.editResponse(ctx, i.Interaction, "Erreur lors du déban.")
		return
	}

	b.discord.sendDM(
		ctx,
		targetID,
		&discordgo.MessageEmbed{
			Title:       "✅ Débannissement",
			Description: "Vous avez été débanni du serveur !",
			Color:       colorGreen,
		},
	)
	b.discord.sendEmbed(
		ctx,
		b.config.Discord.CommandLogChannelID,
		moderationLogEmbed("Unban", userLabel(moderator), userMention(targetID), "", colorGreen),
	)
	b.discord.editResponse(ctx, i.Interaction, fmt.Sprintf("✅ %s a été débanni.", userMention(targetID)))
}

// commandKick removes a member from the guild. The same targets as
// commandBan are refused, along with users who aren't members.
func (b *Bot) commandKick(ctx context.Context, i *discordgo.InteractionCreate) {
	moderator := getDiscordUser(i)
	options := discordInteractionOptions(i)
	target := optionUser(i, options, optionMember)
	if target == nil {
		b.discord.respondError(ctx, i.Interaction, validationError("❌ Membre invalide."))
		return
	}
	reason := optionString(options, optionReason)
	if err := b.discord.deferResponse(ctx, i.Interaction, false); err != nil {
		return
	}

	rejection, err := b.checkModerationTarget(i, target, true)
	if err != nil {
		b.logDeliveryFailure(ctx, "error checking kick target", err, "user_id", target.ID)
		b.discord.editResponse(ctx, i.Interaction, "Erreur lors de l'expulsion.")
		return
	}
	if rejection != "" {
		b.discord.editResponse(ctx, i.Interaction, rejection)
		return
	}

	dmReason := reason
	if dmReason == "" {
		dmReason = msgNoReason
	}
	b.discord.sendDM(
		ctx,
		target.ID,
		&discordgo.MessageEmbed{
			Title:       "👢 Vous avez été expulsé",
			Description: "Raison : " + dmReason,
			Color:       colorOrange,
		},
	)

	if err := b.discord.session.GuildMemberDeleteWithReason(i.GuildID, target.ID, reason); err != nil {
		b.logDeliveryFailure(ctx, "error kicking member", err, "user_id", target.ID)
		b.discord.editResponse(ctx, i.Interaction, "Erreur lors de l'expulsion.")
		return
	}
	b.discord.sendEmbed(
		ctx,
		b.config.Discord.CommandLogChannelID,
		moderationLogEmbed("Kick", userLabel(moderator), userLabel(target), reason, colorOrange),
	)
	b.discord.editResponse(ctx, i.Interaction, fmt.Sprintf("👢 %s a été expulsé.", userLabel(target)))
}

// commandMute times out a member. Discord expires timeouts on its own,
// so nothing is recorded in the ledger.
func (b *Bot) commandMute(ctx context.Context, i *discordgo.InteractionCreate) {
	moderator := getDiscordUser(i)
	options := discordInteractionOptions(i)
	target := optionUser(i, options, optionMember)
	if target == nil {
		b.discord.respondError(ctx, i.Interaction, validationError("❌ Membre invalide."))
		return
	}
	duration, err := parseOptionalDuration(options)
	if err != nil || duration == nil {
		b.discord.respond(ctx, i.Interaction, msgInvalidDuration, true)
		return
	}
	d := clampDuration(*duration, discordMaxTimeout)
	reason := optionString(options, optionReason)
	if err = b.discord.deferResponse(ctx, i.Interaction, false); err != nil {
		return
	}

	until := time.Now().Add(d)
	if err = b.discord.session.GuildMemberTimeout(i.GuildID, target.ID, &until); err != nil {
		b.logDeliveryFailure(ctx, "error muting member", err, "user_id", target.ID)
		b.discord.editResponse(ctx, i.Interaction, "Erreur lors du mute.")
		return
	}

	dmReason := reason
	if dmReason == "" {
		dmReason = msgNoReason
	}
	b.discord.sendDM(
		ctx,
		target.ID,
		&discordgo.MessageEmbed{
			Title: "🚫 Tu as été mute",
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Durée", Value: formatDuration(d), Inline: true},
				{Name: "Raison", Value: truncate(dmReason, discordEmbedFieldMaxLength), Inline: true},
			},
			Color: colorOrange,
		},
	)
	b.discord.sendEmbed(
		ctx,
		b.config.Discord.CommandLogChannelID,
		moderationLogEmbed(
			"Mute",
			userLabel(moderator),
			userLabel(target),
			reason,
			colorOrange,
			&discordgo.MessageEmbedField{Name: "Durée", Value: formatDuration(d), Inline: true},
		),
	)
	b.discord.editResponse(
		ctx,
		i.Interaction,
		fmt.Sprintf("🔇 %s est mute pour %s.", userLabel(target), formatDuration(d)),
	)
}

// commandUnmute clears a member's timeout.
func (b *Bot) commandUnmute(ctx context.Context, i *discordgo.InteractionCreate) {
	moderator := getDiscordUser(i)
	target := optionUser(i, discordInteractionOptions(i), optionMember)
	if target == nil {
		b.discord.respondError(ctx, i.Interaction, validationError("❌ Membre invalide."))
		return
	}
	if err := b.discord.deferResponse(ctx, i.Interaction, false); err != nil {
		return
	}
	if err := b.discord.session.GuildMemberTimeout(i.GuildID, target.ID, nil); err != nil {
		b.logDeliveryFailure(ctx, "error unmuting member", err, "user_id", target.ID)
		b.discord.editResponse(ctx, i.Interaction, "Erreur lors du démute.")
		return
	}
	b.discord.sendDM(
		ctx,
		target.ID,
		&discordgo.MessageEmbed{
			Title:       "✅ Tu as été démute",
			Description: "Tu peux de nouveau parler sur le serveur.",
			Color:       colorGreen,
		},
	)
	b.discord.sendEmbed(
		ctx,
		b.config.Discord.CommandLogChannelID,
		moderationLogEmbed("Unmute", userLabel(moderator), userLabel(target), "", colorGreen),
	)
	b.discord.editResponse(ctx, i.Interaction, fmt.Sprintf("🔊 %s n'est plus mute.", userLabel(target)))
}

// announceReversals posts an audit message for every ban the sweep
// lifted.
func (b *Bot) announceReversals(ctx context.Context, result SweepResult) {
	for _, r := range result.Reversals {
		reason := "Ban expiré"
		if r.Record.Reason != "" {
			reason += " (" + r.Record.Reason + ")"
		}
		b.discord.sendEmbed(
			ctx,
			b.config.Discord.CommandLogChannelID,
			moderationLogEmbed(
				"Unban (auto)",
				"Système",
				userMention(r.Record.UserID.String()),
				reason,
				colorGreen,
				&discordgo.MessageEmbedField{Name: "Serveur", Value: r.GuildID, Inline: true},
			),
		)
	}
}

// isSnowflake reports whether s looks like a discord ID.
func isSnowflake(s string) bool {
	if s == "" || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
