package tokibot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"math/rand/v2"
	"time"
)

// welcomeMember greets a member who just joined, if greetings are on.
func (b *Bot) welcomeMember(ctx context.Context, member *discordgo.Member) {
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()
	if member == nil || member.User == nil {
		return
	}
	settings := b.welcome.Settings()
	if !settings.Active || settings.ChannelID == "" {
		return
	}
	logger := contextLoggerOr(ctx, b.logger).With(
		"guild_id", member.GuildID,
		"user_id", member.User.ID,
	)

	guild, err := b.discord.session.GuildWithCounts(member.GuildID)
	if err != nil {
		logger.WarnContext(ctx, "unable to fetch guild for welcome", tint.Err(err))
		guild = &discordgo.Guild{ID: member.GuildID, Name: "le serveur"}
	}

	title := welcomeTitles[rand.IntN(len(welcomeTitles))]
	_, err = b.discord.session.ChannelMessageSendComplex(
		settings.ChannelID.String(),
		&discordgo.MessageSend{
			Content: userMention(member.User.ID),
			Embeds:  []*discordgo.MessageEmbed{welcomeEmbed(member, guild, title)},
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Users: []string{member.User.ID},
			},
		},
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"unable to send welcome message",
			"channel_id", settings.ChannelID,
			tint.Err(err),
		)
		return
	}
	metricWelcomes.Inc()
	logger.InfoContext(ctx, "welcomed member")
}

func (b *Bot) handleWelcomeCommand(ctx context.Context, name string, i *discordgo.InteractionCreate) {
	var (
		msg string
		err error
	)
	switch name {
	case DiscordSlashCommandWelcomeChannel:
		channelID := optionString(discordInteractionOptions(i), optionChannel)
		err = b.welcome.SetChannel(channelID)
		msg = "✅ Salon de bienvenue défini sur <#" + channelID + ">"
	case DiscordSlashCommandWelcomeOn:
		err = b.welcome.SetActive(true)
		msg = "✅ Système de bienvenue activé"
	case DiscordSlashCommandWelcomeOff:
		err = b.welcome.SetActive(false)
		msg = "🛑 Système de bienvenue désactivé"
	}
	if err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	b.discord.respond(ctx, i.Interaction, msg, true)
	b.logCommand(ctx, i)
}

// logCommand posts a record of a settings command to the command log
// channel.
func (b *Bot) logCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	u := getDiscordUser(i)
	command := "/" + i.ApplicationCommandData().Name
	for _, opt := range i.ApplicationCommandData().Options {
		command += " " + opt.Name + ":" + optionString(discordInteractionOptions(i), opt.Name)
	}
	b.discord.sendEmbed(
		ctx,
		b.config.Discord.CommandLogChannelID,
		&discordgo.MessageEmbed{
			Title: "📜 Commande exécutée",
			Color: colorOrange,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Utilisateur", Value: userLabel(u)},
				{Name: "Commande", Value: command},
				{Name: "Salon", Value: "<#" + i.ChannelID + "> (" + i.ChannelID + ")"},
			},
			Timestamp: embedTimestamp(time.Now()),
		},
	)
}
