package tokibot

import (
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"strconv"
	"strings"
)

// WelcomeSettings is the persisted state of the greeting sent to new
// members.
type WelcomeSettings struct {
	Active    bool      `json:"active"`
	ChannelID Snowflake `json:"channel_id"`
}

func (w WelcomeSettings) LogValue() slog.Value {
	return structToSlogValue(w)
}

func newWelcomeDocument() WelcomeSettings {
	return WelcomeSettings{}
}

// welcomeTitles are picked at random for each greeting. {name} is
// replaced by the member's username.
var welcomeTitles = []string{
	"🚀 Un nouveau membre arrive !",
	"🎉 {name} a atterri parmi nous !",
	"✨ Une nouvelle étoile brille dans le serveur !",
	"🔥 Préparez-vous, quelqu'un débarque !",
	"👀 Regardez qui vient d'arriver : {name} !",
	"T'as pas oublié de prendre une pizza ?",
	"T'es là, t'as plus le droit de partir, {name} !",
	"Soyez tous les bienvenus à {name} !",
	"Wawawawawawa, bonne arrivée !",
}

// Welcome keeps the greeting settings: whether new members are
// greeted, and in which channel.
type Welcome struct {
	store            *Store
	path             string
	defaultChannelID string
	logger           *slog.Logger
}

// NewWelcome returns a Welcome backed by the document at path. Until a
// channel is set, greetings go to defaultChannelID.
func NewWelcome(store *Store, path string, defaultChannelID string, logger *slog.Logger) *Welcome {
	if logger == nil {
		logger = slog.Default()
	}
	return &Welcome{
		store:            store,
		path:             path,
		defaultChannelID: defaultChannelID,
		logger:           logger,
	}
}

// Settings returns the current settings, with the default channel
// filled in if none was set.
func (w *Welcome) Settings() WelcomeSettings {
	settings := Load(w.store, w.path, newWelcomeDocument)
	if settings.ChannelID == "" {
		settings.ChannelID = Snowflake(w.defaultChannelID)
	}
	return settings
}

// SetChannel sets the channel greetings are posted to.
func (w *Welcome) SetChannel(channelID string) error {
	if !isSnowflake(channelID) {
		return validationError("❌ Salon invalide.")
	}
	err := Update(
		w.store,
		w.path,
		newWelcomeDocument,
		func(doc *WelcomeSettings) (bool, error) {
			if doc.ChannelID == Snowflake(channelID) {
				return false, nil
			}
			doc.ChannelID = Snowflake(channelID)
			return true, nil
		},
	)
	if err != nil {
		return err
	}
	w.logger.Info("welcome channel set", "channel_id", channelID)
	return nil
}

// SetActive turns greetings on or off.
func (w *Welcome) SetActive(active bool) error {
	err := Update(
		w.store,
		w.path,
		newWelcomeDocument,
		func(doc *WelcomeSettings) (bool, error) {
			if doc.Active == active {
				return false, nil
			}
			doc.Active = active
			return true, nil
		},
	)
	if err != nil {
		return err
	}
	w.logger.Info("welcome toggled", "active", active)
	return nil
}

// welcomeEmbed builds the greeting for a member who just joined guild.
// The member count line is left out when the count isn't known.
func welcomeEmbed(member *discordgo.Member, guild *discordgo.Guild, title string) *discordgo.MessageEmbed {
	title = strings.ReplaceAll(title, "{name}", member.User.Username)

	var sb strings.Builder
	sb.WriteString("Bienvenue sur **" + guild.Name + "** ! ")
	sb.WriteString("Nous t'espérons un bon séjour parmi nous, amuse-toi bien ^^ 🎊")
	if guild.ApproximateMemberCount > 0 {
		sb.WriteString("\n👥 Tu es le membre n° **" + strconv.Itoa(guild.ApproximateMemberCount) + "**")
	}

	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: sb.String(),
		Color:       colorGreen,
	}
	switch {
	case member.Avatar != "" || member.User.Avatar != "":
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: member.AvatarURL("")}
	case guild.Icon != "":
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: guild.IconURL("")}
	}
	return embed
}
