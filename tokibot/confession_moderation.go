package tokibot

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"time"
)

// BanEntry bars a user from the confession board. It is unrelated to
// guild bans. Until is nil for a permanent ban.
type BanEntry struct {
	UserID      Snowflake `json:"user_id"`
	Until       *UnixTime `json:"until"`
	ModeratorID Snowflake `json:"moderator_id,omitempty"`
	CreatedAt   UnixTime  `json:"created_at,omitempty"`
}

// UnmarshalJSON also accepts a bare user ID, which older documents use
// for permanent bans.
func (e *BanEntry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var id Snowflake
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return err
		}
		*e = BanEntry{UserID: id}
		return nil
	}
	type banEntry BanEntry
	var v banEntry
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*e = BanEntry(v)
	return nil
}

func (e BanEntry) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("user_id", e.UserID.String())}
	if e.Until != nil {
		attrs = append(attrs, slog.Time("until", e.Until.Time()))
	}
	if e.ModeratorID != "" {
		attrs = append(attrs, slog.String("moderator_id", e.ModeratorID.String()))
	}
	return slog.GroupValue(attrs...)
}

type confessionBansDocument struct {
	Banned []BanEntry `json:"banned"`
}

func newConfessionBansDocument() confessionBansDocument {
	return confessionBansDocument{Banned: []BanEntry{}}
}

// pruneExpired drops expired entries, returning them.
func (d *confessionBansDocument) pruneExpired(now time.Time) []BanEntry {
	var pruned []BanEntry
	d.Banned = slices.DeleteFunc(
		d.Banned,
		func(e BanEntry) bool {
			if expired(e.Until, now) {
				pruned = append(pruned, e)
				return true
			}
			return false
		},
	)
	return pruned
}

// UserResolver looks up the display tag of a Discord user.
type UserResolver interface {
	UserTag(ctx context.Context, userID string) (string, error)
}

// BanListing is a ban, with the banned user's tag if it could be resolved.
type BanListing struct {
	BanEntry
	Tag string `json:"tag,omitempty"`
}

// IsBanned reports whether userID is currently banned from the board.
// Every call also drops any expired bans from the document.
func (b *ConfessionBoard) IsBanned(userID string) (bool, error) {
	bans, err := b.activeBans()
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(
		bans,
		func(e BanEntry) bool { return e.UserID == Snowflake(userID) },
	), nil
}

// activeBans drops expired bans from the document, journaling each one,
// and returns the bans still in effect.
func (b *ConfessionBoard) activeBans() ([]BanEntry, error) {
	now := b.now()
	var active, pruned []BanEntry
	err := Update(
		b.store,
		b.paths.Bans,
		newConfessionBansDocument,
		func(doc *confessionBansDocument) (bool, error) {
			pruned = doc.pruneExpired(now)
			active = slices.Clone(doc.Banned)
			return len(pruned) > 0, nil
		},
	)
	if err != nil {
		return nil, err
	}
	for _, e := range pruned {
		b.logger.Info("confession ban expired", "ban", e)
		_ = b.journal.Record(
			ActionLogEntry{
				Type:      ActionUnban,
				SubjectID: e.UserID,
				Until:     e.Until,
				Reason:    "expired",
			},
		)
	}
	return active, nil
}

// requireNotBanned returns ErrBanned if userID is banned. If the ban
// document can't be read, the user is refused.
func (b *ConfessionBoard) requireNotBanned(userID string) error {
	banned, err := b.IsBanned(userID)
	if err != nil {
		return err
	}
	if banned {
		return errBannedFromConfessions
	}
	return nil
}

// BanUser bans subjectID from the board, for the given duration or
// permanently if it's nil. An existing ban is replaced, and the second
// return value reports whether there was one.
func (b *ConfessionBoard) BanUser(
	subjectID string,
	duration *time.Duration,
	actorID string,
) (BanEntry, bool, error) {
	if subjectID == "" {
		return BanEntry{}, false, validationError("❌ Membre invalide.")
	}
	now := b.now()
	entry := BanEntry{
		UserID:      Snowflake(subjectID),
		ModeratorID: Snowflake(actorID),
		CreatedAt:   NewUnixTime(now),
	}
	var seconds int64
	if duration != nil {
		if *duration <= 0 {
			return BanEntry{}, false, validationError("❌ La durée doit être supérieure à zéro.")
		}
		until := NewUnixTime(now.Add(*duration))
		entry.Until = &until
		seconds = int64(*duration / time.Second)
	}

	var replaced bool
	err := Update(
		b.store,
		b.paths.Bans,
		newConfessionBansDocument,
		func(doc *confessionBansDocument) (bool, error) {
			doc.pruneExpired(now)
			n := len(doc.Banned)
			doc.Banned = slices.DeleteFunc(
				doc.Banned,
				func(e BanEntry) bool { return e.UserID == entry.UserID },
			)
			replaced = len(doc.Banned) != n
			doc.Banned = append(doc.Banned, entry)
			return true, nil
		},
	)
	if err != nil {
		return BanEntry{}, false, err
	}

	metricConfessionActions.WithLabelValues(string(ActionBan)).Inc()
	b.logger.Info("confession ban added", "ban", entry, "replaced", replaced)
	_ = b.journal.Record(
		ActionLogEntry{
			Type:            ActionBan,
			SubjectID:       entry.UserID,
			ActorID:         entry.ModeratorID,
			DurationSeconds: seconds,
			Until:           entry.Until,
		},
	)
	return entry, replaced, nil
}

// UnbanUser lifts subjectID's ban. It returns false if they weren't banned.
func (b *ConfessionBoard) UnbanUser(subjectID string, actorID string) (bool, error) {
	var removed bool
	err := Update(
		b.store,
		b.paths.Bans,
		newConfessionBansDocument,
		func(doc *confessionBansDocument) (bool, error) {
			n := len(doc.Banned)
			doc.Banned = slices.DeleteFunc(
				doc.Banned,
				func(e BanEntry) bool { return e.UserID == Snowflake(subjectID) },
			)
			removed = len(doc.Banned) != n
			return removed, nil
		},
	)
	if err != nil {
		return false, err
	}
	if removed {
		metricConfessionActions.WithLabelValues(string(ActionUnban)).Inc()
		b.logger.Info("confession ban lifted", "user_id", subjectID, "actor_id", actorID)
		_ = b.journal.Record(
			ActionLogEntry{
				Type:      ActionUnban,
				SubjectID: Snowflake(subjectID),
				ActorID:   Snowflake(actorID),
			},
		)
	}
	return removed, nil
}

// Bans returns the active bans, without pruning expired ones from the
// document.
func (b *ConfessionBoard) Bans() []BanEntry {
	now := b.now()
	doc := Load(b.store, b.paths.Bans, newConfessionBansDocument)
	doc.pruneExpired(now)
	return doc.Banned
}

// ListBans returns the active bans, with each user's tag looked up
// through resolver. Expired bans are dropped from the document, as with
// IsBanned. Tags are cached. A failed lookup leaves Tag empty.
func (b *ConfessionBoard) ListBans(
	ctx context.Context,
	resolver UserResolver,
) []BanListing {
	bans, err := b.activeBans()
	if err != nil {
		b.logger.WarnContext(ctx, "unable to prune confession bans", tint.Err(err))
		bans = b.Bans()
	}
	listings := make([]BanListing, 0, len(bans))
	for _, e := range bans {
		listing := BanListing{BanEntry: e}
		id := e.UserID.String()
		if tag, ok := b.names.Get(id); ok {
			listing.Tag = tag
		} else if resolver != nil {
			tag, err := resolver.UserTag(ctx, id)
			if err != nil {
				b.logger.WarnContext(ctx, "unable to resolve user", "user_id", id, tint.Err(err))
			} else {
				b.names.Add(id, tag)
				listing.Tag = tag
			}
		}
		listings = append(listings, listing)
	}
	return listings
}
