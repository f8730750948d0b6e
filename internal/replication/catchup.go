package replication

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/logger"
)

// StateFetcher is the network surface of one feed. Both methods return a
// nil state without error when the requested state does not exist.
type StateFetcher interface {
	Latest(ctx context.Context) (*State, error)
	State(ctx context.Context, seq int64) (*State, error)
}

// Position is where a CatchUp currently stands
type Position uint8

const (
	Unpositioned Position = iota
	AtDaily
	AtHourly
	AtMinutely
	Exhausted
)

func (p Position) String() string {
	switch p {
	case Unpositioned:
		return "unpositioned"
	case AtDaily:
		return "daily"
	case AtHourly:
		return "hourly"
	case AtMinutely:
		return "minutely"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("position(%d)", uint8(p))
}

func positionOf(f Feed) Position {
	switch f {
	case Day:
		return AtDaily
	case Hour:
		return AtHourly
	default:
		return AtMinutely
	}
}

// GuessSequenceNumberAt estimates the sequence of the diff ending at ts from
// the feed's latest state. The estimate drifts because diffs do not end
// exactly on wall-clock boundaries; callers verify it.
func GuessSequenceNumberAt(latest *State, ts time.Time) int64 {
	period := latest.Feed.Period().Seconds()
	behind := math.Floor(latest.Timestamp.Sub(ts).Seconds() / period)
	return latest.SequenceNumber - int64(behind)
}

// CatchUp enumerates the diffs needed to bring data ending at some point in
// time up to the present, using day and hour diffs where they line up and
// minute diffs for the rest. Returned states have strictly increasing end
// timestamps. Transport errors are returned as is; CatchUp never retries.
type CatchUp struct {
	feeds    [len(Feeds)]StateFetcher
	latest   [len(Feeds)]*State
	moveDown [len(Feeds)]bool

	pos     Position
	seeked  bool
	at      time.Time // end of the data applied so far
	current *State

	log *zap.Logger
}

// NewCatchUp creates an enumerator over the three feeds, indexed by Feed
func NewCatchUp(feeds [len(Feeds)]StateFetcher) *CatchUp {
	return &CatchUp{
		feeds: feeds,
		log:   logger.Named("replication"),
	}
}

// NewCatchUpFromFetchers is NewCatchUp for concrete fetchers
func NewCatchUpFromFetchers(fetchers [len(Feeds)]*Fetcher) *CatchUp {
	var feeds [len(Feeds)]StateFetcher
	for i, f := range fetchers {
		feeds[i] = f
	}
	return NewCatchUp(feeds)
}

// Seek positions the enumerator so that the next MoveNext returns the first
// diff ending after ts
func (c *CatchUp) Seek(ts time.Time) {
	c.pos = Unpositioned
	c.seeked = true
	c.at = ts.UTC()
	c.current = nil
	c.moveDown = [len(Feeds)]bool{}
}

// Current returns the state reached by the last successful MoveNext
func (c *CatchUp) Current() *State {
	return c.current
}

// Position returns the enumerator's state
func (c *CatchUp) Position() Position {
	return c.pos
}

// CurrentIsLatest reports whether the current diff ends no earlier than the
// newest known minute diff. A day or hour diff ending together with the
// minute feed counts as caught up.
func (c *CatchUp) CurrentIsLatest() bool {
	latest := c.latest[Minute]
	return c.current != nil && latest != nil &&
		!c.current.Timestamp.Before(latest.Timestamp)
}

// MoveNext advances to the next diff. Without a prior Seek it jumps straight
// to the latest minute diff. It returns false when no diff exists beyond the
// current one; a later call polls again.
func (c *CatchUp) MoveNext(ctx context.Context) (bool, error) {
	if !c.seeked && c.current == nil {
		latest, err := c.refreshLatest(ctx, Minute)
		if err != nil || latest == nil {
			return false, err
		}
		c.setCurrent(latest)
		return true, nil
	}

	for {
		feed, err := c.pick(ctx)
		if err != nil {
			return false, err
		}

		var next *State
		if c.current != nil && c.current.Feed == feed {
			next, err = c.step(ctx, feed)
		} else {
			next, err = c.FindDiffAfter(ctx, feed, c.at)
		}
		if err != nil {
			return false, err
		}

		if next == nil {
			if feed != Minute {
				// nothing more at this granularity, go finer
				c.moveDown[feed] = true
				continue
			}
			c.pos = Exhausted
			return false, nil
		}
		if !next.Timestamp.After(c.at) {
			return false, fmt.Errorf("%s sequence %d ends at %s, not after %s",
				feed, next.SequenceNumber, next.Timestamp.Format(time.RFC3339), c.at.Format(time.RFC3339))
		}
		c.setCurrent(next)
		return true, nil
	}
}

func (c *CatchUp) setCurrent(st *State) {
	c.current = st
	c.at = st.Timestamp
	c.pos = positionOf(st.Feed)
	c.seeked = true
}

// pick returns the coarsest feed whose boundary lines up with the current
// time and which still has a whole diff available from there
func (c *CatchUp) pick(ctx context.Context) (Feed, error) {
	t := c.at
	for _, feed := range []Feed{Day, Hour} {
		if c.moveDown[feed] || !aligned(t, feed) {
			continue
		}
		latest, err := c.latestOf(ctx, feed)
		if err != nil {
			return 0, err
		}
		if latest == nil || latest.Timestamp.Before(t.Add(feed.Period())) {
			c.moveDown[feed] = true
			continue
		}
		return feed, nil
	}
	return Minute, nil
}

func aligned(t time.Time, feed Feed) bool {
	switch feed {
	case Day:
		return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
	case Hour:
		return t.Minute() == 0 && t.Second() == 0
	}
	return true
}

// step fetches current+1 on the current feed. The cached latest is only
// refreshed once the enumerator has caught up with it.
func (c *CatchUp) step(ctx context.Context, feed Feed) (*State, error) {
	seq := c.current.SequenceNumber
	latest, err := c.latestOf(ctx, feed)
	if err != nil {
		return nil, err
	}
	if latest == nil || seq >= latest.SequenceNumber {
		if feed != Minute {
			return nil, nil
		}
		latest, err = c.refreshLatest(ctx, feed)
		if err != nil {
			return nil, err
		}
		if latest == nil || seq >= latest.SequenceNumber {
			return nil, nil
		}
	}
	return c.feeds[feed].State(ctx, seq+1)
}

func (c *CatchUp) latestOf(ctx context.Context, feed Feed) (*State, error) {
	if c.latest[feed] != nil {
		return c.latest[feed], nil
	}
	return c.refreshLatest(ctx, feed)
}

func (c *CatchUp) refreshLatest(ctx context.Context, feed Feed) (*State, error) {
	latest, err := c.feeds[feed].Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		latest.Feed = feed
	}
	c.latest[feed] = latest
	return latest, nil
}

// FindDiffAfter locates the diff of feed that covers ts (start <= ts < end),
// or when none does, the first diff ending after ts. It returns nil when the
// feed has nothing ending after ts.
//
// The search starts at the guessed sequence and walks one sequence at a time,
// keeping the highest sequence known to end at or before ts and the lowest
// known to end after it, until a covering diff turns up or the two bounds meet.
func (c *CatchUp) FindDiffAfter(ctx context.Context, feed Feed, ts time.Time) (*State, error) {
	latest, err := c.latestOf(ctx, feed)
	if err != nil {
		return nil, err
	}
	if feed == Minute && (latest == nil || !latest.Timestamp.After(ts)) {
		// the minute feed is polled, a cached latest may be stale
		if latest, err = c.refreshLatest(ctx, feed); err != nil {
			return nil, err
		}
	}
	if latest == nil || !latest.Timestamp.After(ts) {
		return nil, nil
	}
	if !latest.Start().After(ts) {
		return latest, nil
	}

	before := int64(-1) // ends at or before ts
	after := latest     // ends after ts
	seq := min(max(GuessSequenceNumberAt(latest, ts), 0), latest.SequenceNumber)
	fetches := 0

	for after.SequenceNumber-before > 1 {
		if seq >= after.SequenceNumber {
			seq = after.SequenceNumber - 1
		}
		if seq <= before {
			seq = before + 1
		}

		st, err := c.feeds[feed].State(ctx, seq)
		if err != nil {
			return nil, err
		}
		fetches++
		switch {
		case st == nil:
			// missing sequence, nothing usable at or below it
			before = seq
			seq++
		case !st.Timestamp.After(ts):
			before = seq
			seq++
		default:
			st.Feed = feed
			after = st
			if !st.Start().After(ts) {
				c.log.Debug("Located diff",
					zap.Stringer("feed", feed),
					zap.Int64("sequence", st.SequenceNumber),
					zap.Int("fetches", fetches))
				return st, nil
			}
			seq--
		}
	}

	c.log.Debug("Located first diff after gap",
		zap.Stringer("feed", feed),
		zap.Int64("sequence", after.SequenceNumber),
		zap.Time("at", ts),
		zap.Int("fetches", fetches))
	return after, nil
}
