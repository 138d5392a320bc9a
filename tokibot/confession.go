package tokibot

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

var broadcastMentions = []string{"@everyone", "@here"}

// Confession is an anonymous post, or a reply to one. The author is kept
// for moderation and is never shown publicly.
//
// A confession with ReplyTo set is listed in its parent's Responses.
// Responses holds IDs only, and may name confessions that have since
// been deleted.
type Confession struct {
	ID        int64     `json:"id"`
	AuthorID  Snowflake `json:"author_id"`
	AuthorTag string    `json:"author_tag"`
	Text      string    `json:"text"`
	Responses []int64   `json:"responses"`
	Timestamp Timestamp `json:"timestamp"`

	// ChannelID and MessageID locate the published message. Both are
	// empty until publication is confirmed. Older records may have a
	// MessageID without a ChannelID.
	ChannelID Snowflake `json:"channel_id,omitempty"`
	MessageID Snowflake `json:"message_id,omitempty"`

	// InThread is set when the message was published inside a thread,
	// where it can't be replied to.
	InThread bool `json:"in_thread,omitempty"`

	// ThreadID is the reply thread started on this confession's message
	ThreadID Snowflake `json:"thread_id,omitempty"`

	ReplyTo *int64 `json:"reply_to"`
}

func (c Confession) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("id", c.ID),
		slog.String("author_id", c.AuthorID.String()),
		slog.Int("length", utf8.RuneCountInString(c.Text)),
	}
	if c.MessageID != "" {
		attrs = append(
			attrs,
			slog.String("channel_id", c.ChannelID.String()),
			slog.String("message_id", c.MessageID.String()),
		)
	}
	if c.ThreadID != "" {
		attrs = append(attrs, slog.String("thread_id", c.ThreadID.String()))
	}
	if c.ReplyTo != nil {
		attrs = append(attrs, slog.Int64("reply_to", *c.ReplyTo))
	}
	return slog.GroupValue(attrs...)
}

// Published reports whether the confession's message location is known.
func (c Confession) Published() bool {
	return c.MessageID != ""
}

// Located reports whether both the channel and the message of the
// confession are known. Legacy records may only carry a message ID.
func (c Confession) Located() bool {
	return c.ChannelID != "" && c.MessageID != ""
}

// RepliesEnabled reports whether the confession can still be replied to:
// it's published outside a thread.
func (c Confession) RepliesEnabled() bool {
	return c.Published() && !c.InThread
}

type confessionsDocument struct {
	Confessions []Confession `json:"confessions"`

	// LastID is the highest ID ever assigned, so IDs of deleted
	// confessions aren't handed out again.
	LastID int64 `json:"last_id,omitempty"`
}

func newConfessionsDocument() confessionsDocument {
	return confessionsDocument{Confessions: []Confession{}}
}

// highestID returns the largest ID assigned so far.
func (d *confessionsDocument) highestID() int64 {
	highest := d.LastID
	for _, c := range d.Confessions {
		highest = max(highest, c.ID)
	}
	return highest
}

func (d *confessionsDocument) nextID() int64 {
	d.LastID = d.highestID() + 1
	return d.LastID
}

func (d *confessionsDocument) find(id int64) (int, *Confession) {
	for i := range d.Confessions {
		if d.Confessions[i].ID == id {
			return i, &d.Confessions[i]
		}
	}
	return -1, nil
}

// Report is a user's report of a confession.
type Report struct {
	ID           string    `json:"id"`
	ConfessionID int64     `json:"confession_id"`
	ReporterID   Snowflake `json:"reporter_id"`
	Reason       string    `json:"reason"`
	CreatedAt    UnixTime  `json:"created_at"`
}

type reportsDocument struct {
	Reports []Report `json:"reports"`
}

func newReportsDocument() reportsDocument {
	return reportsDocument{Reports: []Report{}}
}

// ConfessionBoardPaths names the documents a ConfessionBoard uses.
type ConfessionBoardPaths struct {
	Confessions string
	Bans        string
	Reports     string
}

// ConfessionBoard stores confessions and replies, and applies the
// board's bans, reports and rate limit.
type ConfessionBoard struct {
	store   *Store
	paths   ConfessionBoardPaths
	limiter *RateLimiter
	journal *Journal
	config  *ConfessionConfig
	now     func() time.Time
	logger  *slog.Logger

	// display names for the ban list, keyed by user ID
	names *expirable.LRU[string, string]
}

func NewConfessionBoard(
	store *Store,
	paths ConfessionBoardPaths,
	limiter *RateLimiter,
	journal *Journal,
	config *ConfessionConfig,
	logger *slog.Logger,
) *ConfessionBoard {
	if logger == nil {
		logger = slog.Default()
	}
	size := config.BanListCacheSize
	if size < 1 {
		size = DefaultConfessionBanListDisplayCacheSize
	}
	return &ConfessionBoard{
		store:   store,
		paths:   paths,
		limiter: limiter,
		journal: journal,
		config:  config,
		now:     time.Now,
		logger:  logger,
		names:   expirable.NewLRU[string, string](size, nil, config.BanListCacheTTL),
	}
}

// ValidateText checks a confession or reply body. It returns a
// validation error describing the first problem found.
func ValidateText(text string, minLength int, maxLength int) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return validationError("❌ Le message ne peut pas être vide.")
	}
	n := utf8.RuneCountInString(trimmed)
	if n < minLength {
		return validationError(
			"❌ Le message est trop court (minimum %d caractères).",
			minLength,
		)
	}
	if n > maxLength {
		return validationError(
			"❌ Le message est trop long (maximum %d caractères).",
			maxLength,
		)
	}
	lower := strings.ToLower(trimmed)
	for _, mention := range broadcastMentions {
		if strings.Contains(lower, mention) {
			return validationError("❌ Les mentions %s ne sont pas autorisées.", mention)
		}
	}
	return nil
}

// ValidateText checks text against the board's configured lengths.
func (b *ConfessionBoard) ValidateText(text string) error {
	return ValidateText(text, b.config.MinLength, b.config.MaxLength)
}

// CheckRateLimit reports whether userID may post again, and how long
// until their window resets. With consume unset nothing is written, so
// this can be used to preview before asking for input.
func (b *ConfessionBoard) CheckRateLimit(
	userID string,
	consume bool,
) (bool, time.Duration, error) {
	return b.limiter.Check(
		userID,
		b.config.RateLimitWindow,
		b.config.RateLimitMax,
		consume,
	)
}

// checkRateLimit returns a *RateLimitError if userID is over the limit.
func (b *ConfessionBoard) checkRateLimit(userID string, consume bool) error {
	return b.limiter.Allow(
		userID,
		b.config.RateLimitWindow,
		b.config.RateLimitMax,
		consume,
	)
}

// spendQuota counts one action against authorID's rate limit, then runs
// write. If write fails, the action is refunded.
func (b *ConfessionBoard) spendQuota(authorID string, write func() error) error {
	if err := b.checkRateLimit(authorID, true); err != nil {
		return b.rejected(err)
	}
	err := write()
	if err == nil {
		return nil
	}
	if refundErr := b.limiter.Refund(authorID); refundErr != nil {
		b.logger.Warn("unable to refund rate limit", "user_id", authorID, tint.Err(refundErr))
	}
	return err
}

// Submit stores a new confession and returns it with its ID assigned.
// Checks run in order (ban, text, rate limit) and the first failure is
// returned. If the write then fails, the rate limit quota is refunded. The confession has no location yet: once it's been posted,
// the caller completes it with AttachLocation.
func (b *ConfessionBoard) Submit(
	authorID string,
	authorTag string,
	text string,
	channelID string,
) (Confession, error) {
	if err := b.requireNotBanned(authorID); err != nil {
		return Confession{}, b.rejected(err)
	}
	if err := b.ValidateText(text); err != nil {
		return Confession{}, b.rejected(err)
	}

	c := Confession{
		AuthorID:  Snowflake(authorID),
		AuthorTag: authorTag,
		Text:      strings.TrimSpace(text),
		Responses: []int64{},
		Timestamp: Timestamp{b.now().UTC()},
	}
	err := b.spendQuota(
		authorID,
		func() error {
			return Update(
				b.store,
				b.paths.Confessions,
				newConfessionsDocument,
				func(doc *confessionsDocument) (bool, error) {
					c.ID = doc.nextID()
					doc.Confessions = append(doc.Confessions, c)
					return true, nil
				},
			)
		},
	)
	if err != nil {
		return Confession{}, err
	}

	metricConfessionActions.WithLabelValues(string(ActionCreate)).Inc()
	b.logger.Info("confession submitted", "confession", c, "channel_id", channelID)
	_ = b.journal.Record(
		ActionLogEntry{
			Type:         ActionCreate,
			ConfessionID: c.ID,
			ActorID:      c.AuthorID,
		},
	)
	return c, nil
}

// AttachLocation records where confession id was published.
func (b *ConfessionBoard) AttachLocation(
	id int64,
	channelID string,
	messageID string,
	inThread bool,
) error {
	return b.modify(
		id,
		func(c *Confession) {
			c.ChannelID = Snowflake(channelID)
			c.MessageID = Snowflake(messageID)
			c.InThread = inThread
		},
	)
}

// AttachThread records the reply thread started on confession id.
func (b *ConfessionBoard) AttachThread(id int64, threadID string) error {
	return b.modify(
		id,
		func(c *Confession) { c.ThreadID = Snowflake(threadID) },
	)
}

func (b *ConfessionBoard) modify(id int64, fn func(c *Confession)) error {
	return Update(
		b.store,
		b.paths.Confessions,
		newConfessionsDocument,
		func(doc *confessionsDocument) (bool, error) {
			_, c := doc.find(id)
			if c == nil {
				return false, notFoundError("❌ Confession #%d introuvable.", id)
			}
			fn(c)
			return true, nil
		},
	)
}

// Reply stores a reply to confession parentID, and links it into the
// parent's responses in the same write. It returns the new reply and the
// parent as updated.
//
// Nobody may reply to their own confession. That check comes before the
// text and rate limit checks, so a rejected self-reply costs no quota.
func (b *ConfessionBoard) Reply(
	parentID int64,
	authorID string,
	authorTag string,
	text string,
	channelID string,
) (Confession, Confession, error) {
	if err := b.requireNotBanned(authorID); err != nil {
		return Confession{}, Confession{}, b.rejected(err)
	}
	parent, err := b.Get(parentID)
	if err != nil {
		return Confession{}, Confession{}, b.rejected(err)
	}
	if parent.AuthorID == Snowflake(authorID) {
		return Confession{}, Confession{}, b.rejected(
			permissionError("❌ Tu ne peux pas répondre à ta propre confession."),
		)
	}
	if err = b.ValidateText(text); err != nil {
		return Confession{}, Confession{}, b.rejected(err)
	}

	reply := Confession{
		AuthorID:  Snowflake(authorID),
		AuthorTag: authorTag,
		Text:      strings.TrimSpace(text),
		Responses: []int64{},
		Timestamp: Timestamp{b.now().UTC()},
		ReplyTo:   &parentID,
	}
	err = b.spendQuota(
		authorID,
		func() error {
			return Update(
				b.store,
				b.paths.Confessions,
				newConfessionsDocument,
				func(doc *confessionsDocument) (bool, error) {
					_, p := doc.find(parentID)
					if p == nil {
						return false, notFoundError("❌ Confession #%d introuvable.", parentID)
					}
					reply.ID = doc.nextID()
					p.Responses = append(p.Responses, reply.ID)
					parent = *p
					doc.Confessions = append(doc.Confessions, reply)
					return true, nil
				},
			)
		},
	)
	if err != nil {
		return Confession{}, Confession{}, err
	}

	metricConfessionActions.WithLabelValues(string(ActionReply)).Inc()
	b.logger.Info(
		"reply submitted",
		"confession", reply,
		"channel_id", channelID,
	)
	_ = b.journal.Record(
		ActionLogEntry{
			Type:         ActionReply,
			ConfessionID: reply.ID,
			ActorID:      reply.AuthorID,
			ReplyTo:      parentID,
			ThreadID:     parent.ThreadID,
		},
	)
	return reply, parent, nil
}

// Get returns confession id.
func (b *ConfessionBoard) Get(id int64) (Confession, error) {
	doc := Load(b.store, b.paths.Confessions, newConfessionsDocument)
	_, c := doc.find(id)
	if c == nil {
		return Confession{}, notFoundError("❌ Confession #%d introuvable.", id)
	}
	return *c, nil
}

// List returns every stored confession, oldest first.
func (b *ConfessionBoard) List() []Confession {
	return Load(b.store, b.paths.Confessions, newConfessionsDocument).Confessions
}

// CountByAuthor returns the number of stored confessions and replies by
// authorID.
func (b *ConfessionBoard) CountByAuthor(authorID string) int {
	var n int
	for _, c := range b.List() {
		if c.AuthorID == Snowflake(authorID) {
			n++
		}
	}
	return n
}

// Report files a report against confession id. Authors can't report
// their own confessions. The confession itself is left unchanged.
func (b *ConfessionBoard) Report(
	confessionID int64,
	reporterID string,
	reason string,
) (Report, Confession, error) {
	if err := b.requireNotBanned(reporterID); err != nil {
		return Report{}, Confession{}, b.rejected(err)
	}
	c, err := b.Get(confessionID)
	if err != nil {
		return Report{}, Confession{}, b.rejected(err)
	}
	if c.AuthorID == Snowflake(reporterID) {
		return Report{}, Confession{}, b.rejected(
			permissionError("❌ Tu ne peux pas signaler ta propre confession."),
		)
	}

	report := Report{
		ID:           uuid.NewString(),
		ConfessionID: confessionID,
		ReporterID:   Snowflake(reporterID),
		Reason:       strings.TrimSpace(reason),
		CreatedAt:    NewUnixTime(b.now()),
	}
	err = Update(
		b.store,
		b.paths.Reports,
		newReportsDocument,
		func(doc *reportsDocument) (bool, error) {
			doc.Reports = append(doc.Reports, report)
			return true, nil
		},
	)
	if err != nil {
		return Report{}, Confession{}, err
	}
	metricConfessionActions.WithLabelValues("report").Inc()
	b.logger.Info(
		"confession reported",
		"report_id", report.ID,
		"confession", c,
		"reporter_id", reporterID,
	)
	return report, c, nil
}

// Reports returns every report filed against confession id.
func (b *ConfessionBoard) Reports(confessionID int64) []Report {
	var reports []Report
	for _, r := range Load(b.store, b.paths.Reports, newReportsDocument).Reports {
		if r.ConfessionID == confessionID {
			reports = append(reports, r)
		}
	}
	return reports
}

// Delete removes confession id, which only its author may do, and
// returns the removed record so the caller can clean up its message and
// thread. Replies to it are kept, and it stays listed in its parent's
// responses. Anything that needs the thread's content must be captured
// before calling Delete.
func (b *ConfessionBoard) Delete(
	confessionID int64,
	requesterID string,
	reason string,
) (Confession, error) {
	var removed Confession
	err := Update(
		b.store,
		b.paths.Confessions,
		newConfessionsDocument,
		func(doc *confessionsDocument) (bool, error) {
			i, c := doc.find(confessionID)
			if c == nil {
				return false, notFoundError("❌ Confession #%d introuvable.", confessionID)
			}
			if c.AuthorID != Snowflake(requesterID) {
				return false, permissionError(
					"❌ Tu ne peux supprimer que tes propres confessions.",
				)
			}
			removed = *c
			doc.LastID = doc.highestID()
			doc.Confessions = slices.Delete(doc.Confessions, i, i+1)
			return true, nil
		},
	)
	if err != nil {
		return Confession{}, b.rejected(err)
	}

	metricConfessionActions.WithLabelValues(string(ActionDelete)).Inc()
	b.logger.Info(
		"confession deleted",
		"confession", removed,
		"reason", reason,
	)
	_ = b.journal.Record(
		ActionLogEntry{
			Type:         ActionDelete,
			ConfessionID: removed.ID,
			ActorID:      Snowflake(requesterID),
			ThreadID:     removed.ThreadID,
			Reason:       reason,
		},
	)
	return removed, nil
}

// rejected counts expected refusals, and passes err through.
func (b *ConfessionBoard) rejected(err error) error {
	if err != nil && isExpectedError(err) {
		metricConfessionRejections.WithLabelValues(rejectionReason(err)).Inc()
		b.logger.Debug("request rejected", "reason", rejectionReason(err))
	}
	return err
}

func confessionTitle(c Confession) string {
	if c.ReplyTo != nil {
		return fmt.Sprintf("Confession #%d (réponse à #%d)", c.ID, *c.ReplyTo)
	}
	return fmt.Sprintf("Confession #%d", c.ID)
}

// MessageLocation is where a confession's message was found.
type MessageLocation struct {
	ChannelID string
	InThread  bool
}

// Unlocated returns the confessions whose message ID is known but not
// its channel, and the number of confessions with no message at all.
func (b *ConfessionBoard) Unlocated() ([]Confession, int) {
	var (
		pending  []Confession
		orphaned int
	)
	for _, c := range b.List() {
		switch {
		case c.MessageID == "":
			orphaned++
		case c.ChannelID == "":
			pending = append(pending, c)
		}
	}
	return pending, orphaned
}

// RepairLocations fills in the channel of each confession in locations,
// in a single write. Confessions that were deleted or located in the
// meantime are skipped. It returns the number of confessions updated.
func (b *ConfessionBoard) RepairLocations(locations map[int64]MessageLocation) (int, error) {
	if len(locations) == 0 {
		return 0, nil
	}
	var repaired int
	err := Update(
		b.store,
		b.paths.Confessions,
		newConfessionsDocument,
		func(doc *confessionsDocument) (bool, error) {
			repaired = 0
			for id, loc := range locations {
				_, c := doc.find(id)
				if c == nil || c.ChannelID != "" || loc.ChannelID == "" {
					continue
				}
				c.ChannelID = Snowflake(loc.ChannelID)
				c.InThread = loc.InThread
				repaired++
			}
			return repaired > 0, nil
		},
	)
	if err != nil {
		return 0, err
	}
	if repaired > 0 {
		b.logger.Info("confession locations repaired", "count", repaired)
	}
	return repaired, nil
}
