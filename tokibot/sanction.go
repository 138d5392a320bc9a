package tokibot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// SanctionRecord is an active guild ban. EndTime is nil for a permanent
// ban. There's at most one record per UserID.
type SanctionRecord struct {
	UserID      Snowflake `json:"user_id"`
	EndTime     *UnixTime `json:"end_time"`
	Reason      string    `json:"reason"`
	ModeratorID Snowflake `json:"moderator_id"`
}

func (r SanctionRecord) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("user_id", r.UserID.String()),
		slog.String("moderator_id", r.ModeratorID.String()),
	}
	if r.EndTime != nil {
		attrs = append(attrs, slog.Time("end_time", r.EndTime.Time()))
	}
	if r.Reason != "" {
		attrs = append(attrs, slog.String("reason", r.Reason))
	}
	return slog.GroupValue(attrs...)
}

// sameRecord reports whether two records describe the same ban: same
// subject and same expiry.
func sameRecord(a, b SanctionRecord) bool {
	if a.UserID != b.UserID {
		return false
	}
	if a.EndTime == nil || b.EndTime == nil {
		return a.EndTime == nil && b.EndTime == nil
	}
	return *a.EndTime == *b.EndTime
}

type sanctionsDocument struct {
	TempBans []SanctionRecord `json:"temp_bans"`

	// TempMutes is kept as-is so older documents round-trip unchanged.
	// Mutes are platform timeouts and aren't tracked here.
	TempMutes json.RawMessage `json:"temp_mutes,omitempty"`
}

func newSanctionsDocument() sanctionsDocument {
	return sanctionsDocument{TempBans: []SanctionRecord{}}
}

// SanctionReverser lifts guild bans on behalf of the sweep.
type SanctionReverser interface {
	// Guilds returns the IDs of every guild the bot is in
	Guilds() []string

	// UnbanMember lifts the ban on userID in guildID
	UnbanMember(ctx context.Context, guildID string, userID string) error
}

// Reversal is a successful unban performed by a sweep.
type Reversal struct {
	Record  SanctionRecord
	GuildID string
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	// Skipped is set when another sweep was still running
	Skipped   bool
	Expired   []SanctionRecord
	Reversals []Reversal
	Failures  int

	// Deferred holds expired records kept in the ledger because at least
	// one of their unbans was never attempted
	Deferred []SanctionRecord
}

// sweepReversalTimeout bounds the unbans of one sweep. Reversals don't
// follow the caller's cancellation, so a sweep that has started
// finishes its attempts during shutdown.
const sweepReversalTimeout = 30 * time.Second

// SanctionLedger tracks active guild bans, and reverses timed bans once
// they expire.
type SanctionLedger struct {
	store       *Store
	path        string
	journal     *Journal
	maxDuration time.Duration
	workers     int
	now         func() time.Time
	logger      *slog.Logger
	sweeping    atomic.Bool
}

func NewSanctionLedger(
	store *Store,
	path string,
	journal *Journal,
	config *SanctionConfig,
	logger *slog.Logger,
) *SanctionLedger {
	if logger == nil {
		logger = slog.Default()
	}
	workers := config.SweepWorkers
	if workers < 1 {
		workers = 1
	}
	return &SanctionLedger{
		store:       store,
		path:        path,
		journal:     journal,
		maxDuration: config.MaxDuration,
		workers:     workers,
		now:         time.Now,
		logger:      logger,
	}
}

// Issue records a ban on subjectID, replacing any existing record for
// that subject. A nil duration records a permanent ban, otherwise the
// duration is capped at the configured maximum.
func (l *SanctionLedger) Issue(
	subjectID string,
	duration *time.Duration,
	reason string,
	issuerID string,
) (SanctionRecord, error) {
	if subjectID == "" {
		return SanctionRecord{}, validationError("❌ Membre invalide.")
	}
	now := l.now()
	record := SanctionRecord{
		UserID:      Snowflake(subjectID),
		Reason:      reason,
		ModeratorID: Snowflake(issuerID),
	}

	var seconds int64
	if duration != nil {
		if *duration <= 0 {
			return SanctionRecord{}, validationError("❌ La durée doit être supérieure à zéro.")
		}
		d := clampDuration(*duration, l.maxDuration)
		if d != *duration {
			l.logger.Info(
				"ban duration capped",
				"user_id", subjectID,
				"requested", *duration,
				"max", l.maxDuration,
			)
		}
		end := NewUnixTime(now.Add(d))
		record.EndTime = &end
		seconds = int64(d / time.Second)
	}

	err := Update(
		l.store,
		l.path,
		newSanctionsDocument,
		func(doc *sanctionsDocument) (bool, error) {
			doc.TempBans = slices.DeleteFunc(
				doc.TempBans,
				func(r SanctionRecord) bool { return r.UserID == record.UserID },
			)
			doc.TempBans = append(doc.TempBans, record)
			return true, nil
		},
	)
	if err != nil {
		return SanctionRecord{}, err
	}

	metricSanctions.WithLabelValues("issued").Inc()
	l.logger.Info("sanction issued", "sanction", record)
	_ = l.journal.Record(
		ActionLogEntry{
			Type:            ActionSanction,
			SubjectID:       record.UserID,
			ActorID:         record.ModeratorID,
			DurationSeconds: seconds,
			Until:           record.EndTime,
			Reason:          reason,
		},
	)
	return record, nil
}

// Revoke removes the record for subjectID. It returns false, and writes
// nothing, if there was no record.
func (l *SanctionLedger) Revoke(subjectID string, actorID string) (bool, error) {
	var removed bool
	err := Update(
		l.store,
		l.path,
		newSanctionsDocument,
		func(doc *sanctionsDocument) (bool, error) {
			n := len(doc.TempBans)
			doc.TempBans = slices.DeleteFunc(
				doc.TempBans,
				func(r SanctionRecord) bool { return r.UserID == Snowflake(subjectID) },
			)
			removed = len(doc.TempBans) != n
			return removed, nil
		},
	)
	if err != nil {
		return false, err
	}
	if removed {
		metricSanctions.WithLabelValues("revoked").Inc()
		l.logger.Info("sanction revoked", "user_id", subjectID, "actor_id", actorID)
		_ = l.journal.Record(
			ActionLogEntry{
				Type:      ActionUnsanction,
				SubjectID: Snowflake(subjectID),
				ActorID:   Snowflake(actorID),
			},
		)
	}
	return removed, nil
}

// Records returns every active record.
func (l *SanctionLedger) Records() []SanctionRecord {
	return Load(l.store, l.path, newSanctionsDocument).TempBans
}

// Get returns the record for subjectID, if there is one.
func (l *SanctionLedger) Get(subjectID string) (SanctionRecord, bool) {
	for _, r := range l.Records() {
		if r.UserID == Snowflake(subjectID) {
			return r, true
		}
	}
	return SanctionRecord{}, false
}

// Sweep reverses every ban whose end time is at or before now, in every
// guild reported by reverser, then removes those records from the ledger
// in a single write. Each guild is attempted once: a failed unban is
// logged and counted, and the record is removed anyway. A record whose
// unban returned a context error was never attempted, so it stays for
// the next sweep.
//
// Only one sweep runs at a time. A call made while another is running
// returns immediately with Skipped set.
func (l *SanctionLedger) Sweep(
	ctx context.Context,
	now time.Time,
	reverser SanctionReverser,
) (SweepResult, error) {
	if !l.sweeping.CompareAndSwap(false, true) {
		metricSweepsSkipped.Inc()
		l.logger.Warn("sweep already in progress, skipping")
		return SweepResult{Skipped: true}, nil
	}
	defer l.sweeping.Store(false)

	started := time.Now()
	defer func() {
		metricSweepDuration.Observe(time.Since(started).Seconds())
	}()

	var result SweepResult
	for _, r := range l.Records() {
		if expired(r.EndTime, now) {
			result.Expired = append(result.Expired, r)
		}
	}
	if len(result.Expired) == 0 {
		return result, nil
	}

	var guilds []string
	if reverser != nil {
		guilds = reverser.Guilds()
	}

	reverseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sweepReversalTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		failures atomic.Int64
		deferred = map[Snowflake]bool{}
	)
	g := new(errgroup.Group)
	g.SetLimit(l.workers)
	for _, record := range result.Expired {
		for _, guildID := range guilds {
			g.Go(
				func() error {
					err := reverser.UnbanMember(reverseCtx, guildID, record.UserID.String())
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						l.logger.WarnContext(
							ctx,
							"unban not attempted, keeping expired ban",
							"guild_id", guildID,
							"sanction", record,
							tint.Err(err),
						)
						mu.Lock()
						deferred[record.UserID] = true
						mu.Unlock()
						return nil
					}
					if err != nil {
						failures.Add(1)
						metricSweepReversalFailures.Inc()
						l.logger.WarnContext(
							ctx,
							"unable to lift expired ban",
							"guild_id", guildID,
							"sanction", record,
							tint.Err(err),
						)
						return nil
					}
					mu.Lock()
					result.Reversals = append(
						result.Reversals,
						Reversal{Record: record, GuildID: guildID},
					)
					mu.Unlock()
					return nil
				},
			)
		}
	}
	_ = g.Wait()
	result.Failures = int(failures.Load())
	for _, r := range result.Expired {
		if deferred[r.UserID] {
			result.Deferred = append(result.Deferred, r)
		}
	}

	var removed []SanctionRecord
	err := Update(
		l.store,
		l.path,
		newSanctionsDocument,
		func(doc *sanctionsDocument) (bool, error) {
			removed = nil
			doc.TempBans = slices.DeleteFunc(
				doc.TempBans,
				func(r SanctionRecord) bool {
					if deferred[r.UserID] {
						return false
					}
					for _, e := range result.Expired {
						if sameRecord(r, e) {
							removed = append(removed, r)
							return true
						}
					}
					return false
				},
			)
			return len(removed) > 0, nil
		},
	)
	if err != nil {
		return result, fmt.Errorf("error removing expired sanctions: %w", err)
	}

	for _, r := range removed {
		metricSanctions.WithLabelValues("expired").Inc()
		_ = l.journal.Record(
			ActionLogEntry{
				Type:      ActionExpire,
				SubjectID: r.UserID,
				ActorID:   r.ModeratorID,
				Until:     r.EndTime,
				Reason:    r.Reason,
			},
		)
	}
	l.logger.InfoContext(
		ctx,
		"sweep finished",
		"expired", len(result.Expired),
		"removed", len(removed),
		"reversals", len(result.Reversals),
		"failures", result.Failures,
		"deferred", len(result.Deferred),
		"guilds", len(guilds),
	)
	return result, nil
}
