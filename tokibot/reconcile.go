package tokibot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"sync"
)

// ReconcileResult summarizes a reconciliation pass.
type ReconcileResult struct {
	// Pending is the number of confessions with a message but no channel
	Pending int

	// Found is the number of those whose channel was found and saved
	Found int

	// Orphaned is the number of confessions that were never published
	Orphaned int
}

// searchChannel is a channel messages may be looked up in.
type searchChannel struct {
	id     string
	thread bool
}

// reconciler searches the guilds' channels for confessions stored with
// a message ID but no channel ID, and saves the channels it finds.
type reconciler struct {
	session DiscordSessionHandler
	board   *ConfessionBoard
	config  *ReconcileConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newReconciler(
	session DiscordSessionHandler,
	board *ConfessionBoard,
	config *ReconcileConfig,
	logger *slog.Logger,
) *reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultReconcileRequestsPerSecond
	}
	return &reconciler{
		session: session,
		board:   board,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Run searches every channel and active thread of guildIDs for the
// pending confessions, within the configured timeout. Whatever was found
// before the timeout is saved.
func (r *reconciler) Run(ctx context.Context, guildIDs []string) (ReconcileResult, error) {
	pending, orphaned := r.board.Unlocated()
	result := ReconcileResult{Pending: len(pending), Orphaned: orphaned}
	if len(pending) == 0 {
		r.logger.InfoContext(ctx, "no confessions to reconcile", "orphaned", orphaned)
		return result, nil
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	channels := r.channels(ctx, guildIDs)
	r.logger.InfoContext(
		ctx,
		"reconciling confession locations",
		"pending", len(pending),
		"orphaned", orphaned,
		"channels", len(channels),
	)

	var (
		mu    sync.Mutex
		found = map[int64]MessageLocation{}
	)
	concurrency := r.config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, c := range pending {
		g.Go(
			func() error {
				loc, ok, err := r.locate(gctx, c.MessageID.String(), channels)
				if err != nil {
					return err
				}
				if ok {
					mu.Lock()
					found[c.ID] = loc
					mu.Unlock()
				}
				return nil
			},
		)
	}
	searchErr := g.Wait()
	if searchErr != nil {
		r.logger.WarnContext(
			ctx,
			"reconciliation stopped early",
			"found", len(found),
			tint.Err(searchErr),
		)
	}

	repaired, err := r.board.RepairLocations(found)
	result.Found = repaired
	if err != nil {
		return result, err
	}
	r.logger.InfoContext(
		ctx,
		"reconciliation finished",
		"pending", result.Pending,
		"found", result.Found,
		"orphaned", result.Orphaned,
	)
	return result, nil
}

// channels lists the text channels and active threads of every guild.
// Guilds that can't be listed are skipped.
func (r *reconciler) channels(ctx context.Context, guildIDs []string) []searchChannel {
	var channels []searchChannel
	for _, guildID := range guildIDs {
		if ctx.Err() != nil {
			break
		}
		guildChannels, err := r.session.GuildChannels(guildID)
		if err != nil {
			r.logger.WarnContext(ctx, "unable to list channels", "guild_id", guildID, tint.Err(err))
		}
		for _, ch := range guildChannels {
			switch ch.Type {
			case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
				channels = append(channels, searchChannel{id: ch.ID})
			}
		}

		threads, err := r.session.GuildThreadsActive(guildID)
		if err != nil {
			r.logger.WarnContext(ctx, "unable to list threads", "guild_id", guildID, tint.Err(err))
			continue
		}
		for _, th := range threads.Threads {
			channels = append(channels, searchChannel{id: th.ID, thread: true})
		}
	}
	return channels
}

// locate looks messageID up in each channel in turn. Lookups that fail
// for any reason other than the context ending mean "not here".
func (r *reconciler) locate(
	ctx context.Context,
	messageID string,
	channels []searchChannel,
) (MessageLocation, bool, error) {
	for _, ch := range channels {
		if err := r.limiter.Wait(ctx); err != nil {
			return MessageLocation{}, false, err
		}
		msg, err := r.session.ChannelMessage(ch.id, messageID)
		if err != nil {
			if !isNotFound(err) {
				r.logger.DebugContext(
					ctx,
					"message lookup failed",
					"channel_id", ch.id,
					"message_id", messageID,
					tint.Err(err),
				)
			}
			continue
		}
		if msg != nil && msg.ID == messageID {
			return MessageLocation{ChannelID: ch.id, InThread: ch.thread}, true, nil
		}
	}
	return MessageLocation{}, false, nil
}
