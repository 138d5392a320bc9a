package tokibot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testWelcomeChannelID = "500000000000000009"

func TestWelcome_Settings(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), WelcomeConfigFile)
	w := NewWelcome(NewStore(testLogger(t)), path, "500000000000000002", testLogger(t))

	assert.Equal(
		t,
		WelcomeSettings{ChannelID: "500000000000000002"},
		w.Settings(),
	)

	require.NoError(t, w.SetChannel(testWelcomeChannelID))
	require.NoError(t, w.SetActive(true))
	assert.Equal(
		t,
		WelcomeSettings{Active: true, ChannelID: testWelcomeChannelID},
		w.Settings(),
	)

	err := w.SetChannel("general")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, Snowflake(testWelcomeChannelID), w.Settings().ChannelID)

	require.NoError(t, w.SetActive(false))
	assert.False(t, w.Settings().Active)
}

func TestWelcome_LegacyDocument(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, WelcomeConfigFile)
	require.NoError(
		t,
		os.WriteFile(path, []byte(`{"active": true, "channel_id": 500000000000000009}`), 0o644),
	)

	w := NewWelcome(NewStore(testLogger(t)), path, "", testLogger(t))
	assert.Equal(
		t,
		WelcomeSettings{Active: true, ChannelID: testWelcomeChannelID},
		w.Settings(),
	)
}

func TestWelcomeEmbed(t *testing.T) {
	member := &discordgo.Member{
		GuildID: testGuildID,
		User:    &discordgo.User{ID: "1001", Username: "alice"},
	}
	testCases := []struct {
		name      string
		guild     *discordgo.Guild
		avatar    string
		title     string
		count     bool
		thumbnail string
	}{
		{
			name:  "with count",
			guild: &discordgo.Guild{ID: testGuildID, Name: "Toki", ApproximateMemberCount: 42},
			title: "🎉 {name} a atterri parmi nous !",
			count: true,
		},
		{
			name:      "guild icon",
			guild:     &discordgo.Guild{ID: testGuildID, Name: "Toki", Icon: "abc"},
			title:     "Wawawawawawa, bonne arrivée !",
			thumbnail: "icons/" + testGuildID + "/abc",
		},
		{
			name:      "member avatar",
			guild:     &discordgo.Guild{ID: testGuildID, Name: "Toki", Icon: "abc"},
			avatar:    "def",
			title:     "Wawawawawawa, bonne arrivée !",
			thumbnail: "avatars/1001/def",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				m := *member
				u := *member.User
				u.Avatar = tc.avatar
				m.User = &u

				embed := welcomeEmbed(&m, tc.guild, tc.title)
				assert.Equal(t, strings.ReplaceAll(tc.title, "{name}", "alice"), embed.Title)
				assert.Contains(t, embed.Description, "Bienvenue sur **Toki** !")
				if tc.count {
					assert.Contains(t, embed.Description, "Tu es le membre n° **42**")
				} else {
					assert.NotContains(t, embed.Description, "membre n°")
				}
				if tc.thumbnail == "" {
					assert.Nil(t, embed.Thumbnail)
				} else {
					require.NotNil(t, embed.Thumbnail)
					assert.Contains(t, embed.Thumbnail.URL, tc.thumbnail)
				}
			},
		)
	}
}

func channelOption(name string, channelID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionChannel,
		Value: channelID,
	}
}

func adminInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	i := commandInteraction(newTestUser("2001", "admin"), nil, name, options...)
	i.Member.Permissions = discordgo.PermissionAdministrator
	return i
}

func TestWelcomeCommands(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()

	bot.handleApplicationCommand(
		ctx,
		commandInteraction(
			newTestUser("2002", "mod"),
			moderatorRoles(bot),
			DiscordSlashCommandWelcomeOn,
		),
	)
	assert.Equal(t, DefaultDiscordNoPermMessage, session.lastResponse(t).Data.Content)
	assert.False(t, bot.welcome.Settings().Active)

	bot.handleApplicationCommand(
		ctx,
		adminInteraction(
			DiscordSlashCommandWelcomeChannel,
			channelOption(optionChannel, testWelcomeChannelID),
		),
	)
	resp := session.lastResponse(t)
	assert.Equal(t, "✅ Salon de bienvenue défini sur <#"+testWelcomeChannelID+">", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Equal(t, Snowflake(testWelcomeChannelID), bot.welcome.Settings().ChannelID)

	bot.handleApplicationCommand(ctx, adminInteraction(DiscordSlashCommandWelcomeOn))
	assert.Equal(t, "✅ Système de bienvenue activé", session.lastResponse(t).Data.Content)
	assert.True(t, bot.welcome.Settings().Active)

	bot.handleApplicationCommand(ctx, adminInteraction(DiscordSlashCommandWelcomeOff))
	assert.Equal(t, "🛑 Système de bienvenue désactivé", session.lastResponse(t).Data.Content)
	assert.False(t, bot.welcome.Settings().Active)

	logged := session.sentTo(bot.config.Discord.CommandLogChannelID)
	require.Len(t, logged, 3)
	assert.Equal(t, "📜 Commande exécutée", logged[0].Embeds[0].Title)
	assert.Equal(
		t,
		"/"+DiscordSlashCommandWelcomeChannel+" "+optionChannel+":"+testWelcomeChannelID,
		logged[0].Embeds[0].Fields[1].Value,
	)

	bot.handleApplicationCommand(
		ctx,
		adminInteraction(DiscordSlashCommandWelcomeChannel, channelOption(optionChannel, "general")),
	)
	assert.Equal(t, "❌ Salon invalide.", session.lastResponse(t).Data.Content)
	assert.Len(t, session.sentTo(bot.config.Discord.CommandLogChannelID), 3)
}

func TestWelcomeMember(t *testing.T) {
	newMember := func() *discordgo.Member {
		return &discordgo.Member{
			GuildID: testGuildID,
			User:    &discordgo.User{ID: "1001", Username: "alice"},
		}
	}

	t.Run(
		"inactive", func(t *testing.T) {
			bot, session := newTestBot(t)
			require.NoError(t, bot.welcome.SetChannel(testWelcomeChannelID))
			bot.welcomeMember(context.Background(), newMember())
			assert.Empty(t, session.sentTo(testWelcomeChannelID))
		},
	)

	t.Run(
		"active", func(t *testing.T) {
			bot, session := newTestBot(t)
			session.mu.Lock()
			session.guilds[testGuildID].Name = "Toki"
			session.guilds[testGuildID].ApproximateMemberCount = 42
			session.mu.Unlock()
			require.NoError(t, bot.welcome.SetChannel(testWelcomeChannelID))
			require.NoError(t, bot.welcome.SetActive(true))

			bot.welcomeMember(context.Background(), newMember())
			sent := session.sentTo(testWelcomeChannelID)
			require.Len(t, sent, 1)
			assert.Equal(t, "<@1001>", sent[0].Content)
			assert.Equal(t, []string{"1001"}, sent[0].AllowedMentions.Users)

			var titles []string
			for _, title := range welcomeTitles {
				titles = append(titles, strings.ReplaceAll(title, "{name}", "alice"))
			}
			require.Len(t, sent[0].Embeds, 1)
			assert.Contains(t, titles, sent[0].Embeds[0].Title)
			assert.Contains(t, sent[0].Embeds[0].Description, "**Toki**")
			assert.Contains(t, sent[0].Embeds[0].Description, "n° **42**")
		},
	)

	t.Run(
		"default channel", func(t *testing.T) {
			bot, session := newTestBot(t)
			bot.welcome.defaultChannelID = testWelcomeChannelID
			require.NoError(t, bot.welcome.SetActive(true))
			session.setErr("GuildWithCounts", errors.New("service unavailable"))

			bot.welcomeMember(context.Background(), newMember())
			sent := session.sentTo(testWelcomeChannelID)
			require.Len(t, sent, 1)
			assert.NotContains(t, sent[0].Embeds[0].Description, "membre n°")
		},
	)

	t.Run(
		"no channel", func(t *testing.T) {
			bot, session := newTestBot(t)
			require.NoError(t, bot.welcome.SetActive(true))
			bot.welcomeMember(context.Background(), newMember())
			session.mu.Lock()
			defer session.mu.Unlock()
			assert.Empty(t, session.sent)
		},
	)

	t.Run(
		"send fails", func(t *testing.T) {
			bot, session := newTestBot(t)
			require.NoError(t, bot.welcome.SetChannel(testWelcomeChannelID))
			require.NoError(t, bot.welcome.SetActive(true))
			session.setErr("ChannelMessageSendComplex:"+testWelcomeChannelID, restNotFound())
			assert.NotPanics(t, func() { bot.welcomeMember(context.Background(), newMember()) })
			assert.Empty(t, session.sentTo(testWelcomeChannelID))
		},
	)
}
