package tokibot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	confessModalTitle = "Confession Anonyme"
	replyModalTitle   = "Répondre à la confession"
	reportModalTitle  = "Signaler une confession"

	msgConfessionReceived   = "✅ Confession reçue, publication en cours..."
	msgReplyReceived        = "✅ Réponse reçue, publication en cours..."
	msgReportReceived       = "✅ Signalement reçu, merci."
	msgPublishFailed        = "❌ Erreur lors de la publication publique."
	msgThreadPublishFailed  = "❌ Erreur lors de la publication dans le fil."
	msgThreadCreateFailed   = "❌ Erreur lors de la création du fil."
	msgParentMessageMissing = "Impossible de retrouver le message original pour créer le fil."
)

var errParentMessageMissing = errors.New("parent message location unknown")

// confessionEmbed is the public, anonymous rendering of a confession or
// reply.
func confessionEmbed(c Confession) *discordgo.MessageEmbed {
	color := colorPurple
	if c.ReplyTo != nil {
		color = colorTeal
	}
	return &discordgo.MessageEmbed{
		Title:       confessionTitle(c),
		Description: truncate(c.Text, discordMaxEmbedDescription),
		Color:       color,
		Footer:      &discordgo.MessageEmbedFooter{Text: anonymousLabel},
		Timestamp:   embedTimestamp(c.Timestamp.Time),
	}
}

// confessionAdminEmbed is the admin-log copy of a confession, including
// its author.
func confessionAdminEmbed(c Confession, guildID string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Confession #%d (log admin)", c.ID),
		Description: truncate(c.Text, discordMaxEmbedDescription),
		Color:       colorDarkRed,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Auteur",
				Value:  fmt.Sprintf("%s (%s)", userMention(c.AuthorID.String()), c.AuthorTag),
				Inline: true,
			},
		},
		Timestamp: embedTimestamp(c.Timestamp.Time),
	}
	if c.ReplyTo != nil {
		embed.Title = fmt.Sprintf("Réponse #%d (log admin)", c.ID)
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   "Réponse à",
				Value:  fmt.Sprintf("#%d", *c.ReplyTo),
				Inline: true,
			},
		)
	}
	if c.Located() {
		field := &discordgo.MessageEmbedField{
			Name:  "Message",
			Value: messageLink(guildID, c.ChannelID.String(), c.MessageID.String()),
		}
		if c.InThread {
			field.Name = "Thread"
			field.Value = "<#" + c.ChannelID.String() + ">"
		}
		embed.Fields = append(embed.Fields, field)
	}
	return embed
}

// commandConfess opens the confession modal, after checking the user
// isn't banned or out of quota. The quota isn't consumed here.
func (b *Bot) commandConfess(ctx context.Context, i *discordgo.InteractionCreate) {
	u := getDiscordUser(i)
	if err := b.checkCanPost(u.ID); err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	b.discord.respondWith(
		ctx,
		i.Interaction,
		discordModalResponse(
			customIDConfessModal,
			confessModalTitle,
			discordgo.TextInput{
				CustomID:  modalInputConfession,
				Label:     "Ta confession",
				Style:     discordgo.TextInputParagraph,
				Required:  true,
				MinLength: b.config.Confessions.MinLength,
				MaxLength: b.config.Confessions.MaxLength,
			},
		),
	)
}

// checkCanPost previews the ban and rate limit checks, without
// consuming quota.
func (b *Bot) checkCanPost(userID string) error {
	if err := b.board.requireNotBanned(userID); err != nil {
		return err
	}
	allowed, retryAfter, err := b.board.CheckRateLimit(userID, false)
	if err != nil {
		return err
	}
	if !allowed {
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}

// modalConfess stores a submitted confession, then publishes it in the
// channel the modal was opened from.
func (b *Bot) modalConfess(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	values map[string]string,
) {
	u := getDiscordUser(i)
	c, err := b.board.Submit(u.ID, u.String(), values[modalInputConfession], i.ChannelID)
	if err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	b.discord.respond(ctx, i.Interaction, msgConfessionReceived, true)

	inThread := b.discord.isThread(i.ChannelID)
	msg, err := b.discord.session.ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Embeds:          []*discordgo.MessageEmbed{confessionEmbed(c)},
			Components:      confessionComponents(c.ID, !inThread),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
	if err != nil {
		b.logDeliveryFailure(ctx, "error publishing confession", err, "confession_id", c.ID)
		b.discord.followup(ctx, i.Interaction, msgPublishFailed)
		return
	}
	if err = b.board.AttachLocation(c.ID, i.ChannelID, msg.ID, inThread); err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"error saving confession location",
			"confession_id", c.ID,
			tint.Err(err),
		)
	}
	c.ChannelID = Snowflake(i.ChannelID)
	c.MessageID = Snowflake(msg.ID)
	c.InThread = inThread

	b.discord.sendEmbed(ctx, b.config.Discord.AdminLogChannelID, confessionAdminEmbed(c, i.GuildID))
	b.discord.sendDM(
		ctx,
		u.ID,
		&discordgo.MessageEmbed{
			Title: "Confession enregistrée !",
			Description: fmt.Sprintf(
				"Ta confession #%d a été publiée.\nTu as envoyé %d confession(s).",
				c.ID,
				b.board.CountByAuthor(u.ID),
			),
			Color: colorGreen,
		},
	)
}

// componentReport opens the report modal for a confession.
func (b *Bot) componentReport(ctx context.Context, i *discordgo.InteractionCreate, confessionID int64) {
	u := getDiscordUser(i)
	if err := b.board.requireNotBanned(u.ID); err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	b.discord.respondWith(
		ctx,
		i.Interaction,
		discordModalResponse(
			confessionCustomID(customIDConfessReportModal, confessionID),
			reportModalTitle,
			discordgo.TextInput{
				CustomID:  modalInputReason,
				Label:     "Raison (optionnel)",
				Style:     discordgo.TextInputParagraph,
				Required:  false,
				MaxLength: reportReasonMaxLength,
			},
		),
	)
}

// modalReport files a report and forwards it to the report log channel.
func (b *Bot) modalReport(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	confessionID int64,
	values map[string]string,
) {
	u := getDiscordUser(i)
	report, c, err := b.board.Report(confessionID, u.ID, values[modalInputReason])
	if err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	b.discord.respond(ctx, i.Interaction, msgReportReceived, true)

	reason := report.Reason
	if reason == "" {
		reason = "Aucune"
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("🚨 Signalement Confession #%d", c.ID),
		Description: "**Raison:** " + reason,
		Color:       colorRed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Signalée par", Value: userMention(u.ID), Inline: true},
			{Name: "Signalement", Value: report.ID, Inline: true},
			{Name: "Texte original", Value: truncate(c.Text, discordEmbedFieldMaxLength)},
		},
		Timestamp: embedTimestamp(report.CreatedAt.Time()),
	}
	if c.Located() {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  "Message",
				Value: messageLink(i.GuildID, c.ChannelID.String(), c.MessageID.String()),
			},
		)
	}
	b.discord.sendEmbed(ctx, b.config.Discord.ReportLogChannelID, embed)
}

// componentReply opens the reply modal, after the checks that can be
// made without the reply's text.
func (b *Bot) componentReply(ctx context.Context, i *discordgo.InteractionCreate, confessionID int64) {
	u := getDiscordUser(i)
	if err := b.board.requireNotBanned(u.ID); err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	parent, err := b.board.Get(confessionID)
	if err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	if parent.AuthorID == Snowflake(u.ID) {
		b.discord.respondError(
			ctx,
			i.Interaction,
			permissionError("❌ Tu ne peux pas répondre à ta propre confession."),
		)
		return
	}
	if err = b.checkCanPost(u.ID); err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	b.discord.respondWith(
		ctx,
		i.Interaction,
		discordModalResponse(
			confessionCustomID(customIDConfessReplyModal, confessionID),
			replyModalTitle,
			discordgo.TextInput{
				CustomID:  modalInputReply,
				Label:     "Ta réponse",
				Style:     discordgo.TextInputParagraph,
				Required:  true,
				MinLength: b.config.Confessions.MinLength,
				MaxLength: b.config.Confessions.MaxLength,
			},
		),
	)
}

// modalReply stores a reply, and publishes it in the parent's reply
// thread, creating the thread if needed.
func (b *Bot) modalReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	parentID int64,
	values map[string]string,
) {
	u := getDiscordUser(i)
	reply, parent, err := b.board.Reply(parentID, u.ID, u.String(), values[modalInputReply], i.ChannelID)
	if err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	b.discord.respond(ctx, i.Interaction, msgReplyReceived, true)

	threadID, err := b.replyThread(ctx, parent)
	if err != nil {
		msg := msgThreadCreateFailed
		if errors.Is(err, errParentMessageMissing) || isNotFound(err) {
			msg = msgParentMessageMissing
		}
		b.logDeliveryFailure(ctx, "error preparing reply thread", err, "confession_id", parent.ID)
		b.discord.followup(ctx, i.Interaction, msg)
		return
	}

	msg, err := b.discord.session.ChannelMessageSendComplex(
		threadID,
		&discordgo.MessageSend{
			Embeds:          []*discordgo.MessageEmbed{confessionEmbed(reply)},
			Components:      confessionComponents(reply.ID, false),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
	if err != nil {
		b.logDeliveryFailure(ctx, "error publishing reply", err, "confession_id", reply.ID)
		b.discord.followup(ctx, i.Interaction, msgThreadPublishFailed)
		return
	}
	if err = b.board.AttachLocation(reply.ID, threadID, msg.ID, true); err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"error saving reply location",
			"confession_id", reply.ID,
			tint.Err(err),
		)
	}
	reply.ChannelID = Snowflake(threadID)
	reply.MessageID = Snowflake(msg.ID)
	reply.InThread = true

	b.discord.sendEmbed(ctx, b.config.Discord.AdminLogChannelID, confessionAdminEmbed(reply, i.GuildID))

	b.discord.sendDM(
		ctx,
		parent.AuthorID.String(),
		&discordgo.MessageEmbed{
			Title: "Tu as reçu une réponse !",
			Description: fmt.Sprintf(
				"Ta confession #%d a reçu une réponse.\n%s",
				parent.ID,
				messageLink(i.GuildID, threadID, ""),
			),
			Color: colorBlurple,
		},
	)
	b.discord.sendDM(
		ctx,
		u.ID,
		&discordgo.MessageEmbed{
			Title: "✅ Réponse publiée",
			Description: fmt.Sprintf(
				"Ta réponse #%d à la confession #%d a été publiée.\n%s",
				reply.ID,
				parent.ID,
				messageLink(i.GuildID, threadID, msg.ID),
			),
			Color: colorGreen,
		},
	)
}

// replyThread returns the channel replies to parent are posted in. A
// parent posted inside a thread takes replies in that thread. Otherwise
// its reply thread is reused, or started on the parent's message, saved,
// and the parent's reply button removed.
func (b *Bot) replyThread(ctx context.Context, parent Confession) (string, error) {
	if parent.InThread && parent.ChannelID != "" {
		return parent.ChannelID.String(), nil
	}
	if parent.ThreadID != "" {
		_, err := b.discord.session.Channel(parent.ThreadID.String())
		if err == nil {
			return parent.ThreadID.String(), nil
		}
		if !isNotFound(err) {
			return "", err
		}
		contextLoggerOr(ctx, b.logger).WarnContext(
			ctx,
			"reply thread is gone, starting a new one",
			"confession_id", parent.ID,
			"thread_id", parent.ThreadID,
		)
	}
	if !parent.Located() {
		return "", errParentMessageMissing
	}

	thread, err := b.discord.session.MessageThreadStartComplex(
		parent.ChannelID.String(),
		parent.MessageID.String(),
		&discordgo.ThreadStart{
			Name:                fmt.Sprintf("Réponses Confession #%d", parent.ID),
			AutoArchiveDuration: b.config.Confessions.ReplyThreadArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		},
	)
	if err != nil {
		return "", err
	}
	if err = b.board.AttachThread(parent.ID, thread.ID); err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"error saving reply thread",
			"confession_id", parent.ID,
			"thread_id", thread.ID,
			tint.Err(err),
		)
	}

	components := confessionComponents(parent.ID, false)
	_, err = b.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         parent.MessageID.String(),
			Channel:    parent.ChannelID.String(),
			Components: &components,
		},
	)
	if err != nil {
		contextLoggerOr(ctx, b.logger).WarnContext(
			ctx,
			"unable to remove reply button",
			"confession_id", parent.ID,
			tint.Err(err),
		)
	}
	return thread.ID, nil
}

// commandDeleteConfession lets an author delete their confession. The
// reply thread's transcript is sent to the admin log first, then the
// record, the public message and the thread are removed.
func (b *Bot) commandDeleteConfession(ctx context.Context, i *discordgo.InteractionCreate) {
	u := getDiscordUser(i)
	options := discordInteractionOptions(i)
	confessionID, _ := optionInt(options, optionID)
	reason := optionString(options, optionReason)

	c, err := b.board.Get(confessionID)
	if err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	if c.AuthorID != Snowflake(u.ID) {
		b.discord.respondError(
			ctx,
			i.Interaction,
			permissionError("❌ Tu ne peux supprimer que tes propres confessions."),
		)
		return
	}
	if err = b.discord.deferResponse(ctx, i.Interaction, true); err != nil {
		return
	}

	transcript, err := b.threadTranscript(ctx, c)
	if err != nil {
		b.logDeliveryFailure(ctx, "error capturing thread transcript", err, "confession_id", c.ID)
		b.discord.editResponse(ctx, i.Interaction, UserMessage(deliveryError("transcript", err)))
		return
	}

	removed, err := b.board.Delete(confessionID, u.ID, reason)
	if err != nil {
		b.discord.editResponse(ctx, i.Interaction, UserMessage(err))
		return
	}

	if transcript != nil {
		b.discord.sendEmbed(
			ctx,
			b.config.Discord.AdminLogChannelID,
			&discordgo.MessageEmbed{
				Title:       fmt.Sprintf("🗑️ Transcription du fil de la Confession #%d", removed.ID),
				Description: fmt.Sprintf("%d message(s)", transcript.count),
				Color:       colorOrange,
			},
			&discordgo.File{
				Name:        fmt.Sprintf("confession-%d-transcript.txt", removed.ID),
				ContentType: "text/plain",
				Reader:      bytes.NewReader(transcript.text),
			},
		)
	}

	b.removeConfessionMessages(ctx, removed)

	if reason == "" {
		reason = "Aucune"
	}
	b.discord.sendEmbed(
		ctx,
		b.config.Discord.AdminLogChannelID,
		&discordgo.MessageEmbed{
			Title:       fmt.Sprintf("🗑️ Confession #%d supprimée", removed.ID),
			Description: truncate(removed.Text, discordMaxEmbedDescription),
			Color:       colorOrange,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Auteur", Value: userLabel(u), Inline: true},
				{Name: "Raison", Value: truncate(reason, discordEmbedFieldMaxLength), Inline: true},
			},
		},
	)
	b.discord.editResponse(ctx, i.Interaction, fmt.Sprintf("✅ Confession #%d supprimée.", removed.ID))
}

// removeConfessionMessages deletes a removed confession's public message
// and reply thread. Anything already gone is ignored.
func (b *Bot) removeConfessionMessages(ctx context.Context, c Confession) {
	logger := contextLoggerOr(ctx, b.logger)
	if c.Located() {
		err := b.discord.session.ChannelMessageDelete(c.ChannelID.String(), c.MessageID.String())
		if err != nil && !isNotFound(err) {
			logger.WarnContext(ctx, "unable to delete confession message", "confession_id", c.ID, tint.Err(err))
		}
	}
	if c.ThreadID != "" {
		_, err := b.discord.session.ChannelDelete(c.ThreadID.String())
		if err != nil && !isNotFound(err) {
			logger.WarnContext(ctx, "unable to delete reply thread", "confession_id", c.ID, tint.Err(err))
		}
	}
}

type transcript struct {
	text  []byte
	count int
}

// threadTranscript captures the most recent messages of a confession's
// reply thread, oldest first. It returns nil if there's no thread, or
// the thread no longer exists.
func (b *Bot) threadTranscript(ctx context.Context, c Confession) (*transcript, error) {
	if c.ThreadID == "" {
		return nil, nil
	}
	messages, err := b.discord.session.ChannelMessages(
		c.ThreadID.String(),
		b.config.Confessions.TranscriptMessageLimit,
		"",
		"",
		"",
	)
	if err != nil {
		if isNotFound(err) {
			contextLoggerOr(ctx, b.logger).InfoContext(
				ctx,
				"reply thread already gone, no transcript",
				"thread_id", c.ThreadID,
			)
			return nil, nil
		}
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return &transcript{text: formatTranscript(messages), count: len(messages)}, nil
}

// formatTranscript renders messages (as returned by discord, newest
// first) as plain text, oldest first.
func formatTranscript(messages []*discordgo.Message) []byte {
	messages = slices.Clone(messages)
	slices.Reverse(messages)

	var buf bytes.Buffer
	for _, m := range messages {
		author := "inconnu"
		if m.Author != nil {
			author = m.Author.String()
		}
		content := m.Content
		for _, e := range m.Embeds {
			if e == nil {
				continue
			}
			if content != "" {
				content += " "
			}
			content += strings.TrimSpace("[" + e.Title + "] " + e.Description)
		}
		for _, a := range m.Attachments {
			if a != nil {
				content += " <" + a.URL + ">"
			}
		}
		fmt.Fprintf(
			&buf,
			"[%s] %s: %s\n",
			m.Timestamp.UTC().Format(time.DateTime),
			author,
			content,
		)
	}
	return buf.Bytes()
}

// commandBanConfession bans a member from the confession board.
func (b *Bot) commandBanConfession(ctx context.Context, i *discordgo.InteractionCreate) {
	moderator := getDiscordUser(i)
	options := discordInteractionOptions(i)
	target := optionUser(i, options, optionMember)
	if target == nil {
		b.discord.respondError(ctx, i.Interaction, validationError("❌ Membre invalide."))
		return
	}

	var duration *time.Duration
	if raw := optionString(options, optionDuration); raw != "" {
		d, err := ParseDuration(raw)
		if err != nil {
			b.discord.respond(ctx, i.Interaction, msgInvalidDuration, true)
			return
		}
		duration = &d
	}

	entry, replaced, err := b.board.BanUser(target.ID, duration, moderator.ID)
	if err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}

	length := "définitivement"
	if duration != nil {
		length = "pour " + formatDuration(*duration)
	}
	b.discord.sendDM(
		ctx,
		target.ID,
		&discordgo.MessageEmbed{
			Title:       "🚫 Bannissement Confession",
			Description: "Tu as été banni du système de confessions " + length + ".",
			Color:       colorRed,
		},
	)

	msg := fmt.Sprintf("✅ %s est banni des confessions %s.", userMention(target.ID), length)
	if entry.Until != nil {
		msg += fmt.Sprintf(" Fin : <t:%d:f>.", int64(*entry.Until))
	}
	if replaced {
		msg += " (ban précédent remplacé)"
	}
	b.discord.respond(ctx, i.Interaction, msg, true)
}

// commandUnbanConfession lifts a member's confession board ban.
func (b *Bot) commandUnbanConfession(ctx context.Context, i *discordgo.InteractionCreate) {
	moderator := getDiscordUser(i)
	target := optionUser(i, discordInteractionOptions(i), optionMember)
	if target == nil {
		b.discord.respondError(ctx, i.Interaction, validationError("❌ Membre invalide."))
		return
	}

	removed, err := b.board.UnbanUser(target.ID, moderator.ID)
	if err != nil {
		b.discord.respondError(ctx, i.Interaction, err)
		return
	}
	if !removed {
		b.discord.respond(
			ctx,
			i.Interaction,
			fmt.Sprintf("⚠️ %s n'était pas banni.", userMention(target.ID)),
			true,
		)
		return
	}

	b.discord.sendDM(
		ctx,
		target.ID,
		&discordgo.MessageEmbed{
			Title:       "✅ Débannissement Confession",
			Description: "Tu peux de nouveau utiliser le système de confessions.",
			Color:       colorGreen,
		},
	)
	b.discord.respond(
		ctx,
		i.Interaction,
		fmt.Sprintf("✅ %s est débanni des confessions.", userMention(target.ID)),
		true,
	)
}

// banListPageSize is the number of bans listed per message, keeping
// each page under discord's message length limit.
const banListPageSize = 15

// commandListBanConfession lists the members banned from the board. The
// first page completes the deferred response, the rest are sent as
// followups.
func (b *Bot) commandListBanConfession(ctx context.Context, i *discordgo.InteractionCreate) {
	if err := b.discord.deferResponse(ctx, i.Interaction, true); err != nil {
		return
	}
	pages := formatBanList(b.board.ListBans(ctx, b.discord))
	b.discord.editResponse(ctx, i.Interaction, pages[0])
	for _, page := range pages[1:] {
		b.discord.followup(ctx, i.Interaction, page)
	}
}

func formatBanList(listings []BanListing) []string {
	if len(listings) == 0 {
		return []string{"Aucun utilisateur banni du système de confessions."}
	}
	chunks := chunkItems(banListPageSize, listings...)
	pages := make([]string, 0, len(chunks))
	for n, chunk := range chunks {
		var sb strings.Builder
		sb.WriteString("Utilisateurs bannis")
		if len(chunks) > 1 {
			fmt.Fprintf(&sb, " (%d/%d)", n+1, len(chunks))
		}
		sb.WriteString(" :")
		for _, l := range chunk {
			name := userMention(l.UserID.String())
			if l.Tag != "" {
				name = l.Tag + " (" + name + ")"
			}
			until := "définitif"
			if l.Until != nil {
				until = "jusqu'au <t:" + strconv.FormatInt(int64(*l.Until), 10) + ":f>"
			}
			sb.WriteString("\n- " + name + " : " + until)
		}
		pages = append(pages, sb.String())
	}
	return pages
}
