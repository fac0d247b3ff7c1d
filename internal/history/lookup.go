package history

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/matching"
)

// LiveHistory is the in-process side of the history, normally the
// coordinator.
type LiveHistory interface {
	ListFinished(user matching.UserID) []matching.Session
}

// Lookup answers "which meetings has this user finished" from the
// coordinator and, when configured, the Postgres archive.
type Lookup struct {
	live  LiveHistory
	store *Store // nil when no database is configured
	limit int
	log   zerolog.Logger
}

// NewLookup returns a Lookup. store may be nil.
func NewLookup(live LiveHistory, store *Store, limit int) *Lookup {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return &Lookup{live: live, store: store, limit: limit, log: logging.For("history")}
}

// Finished returns the user's FINISHED sessions, newest first, with sessions
// known to both sources reported once. When the archive cannot be read the
// in-process history is returned alone.
func (l *Lookup) Finished(ctx context.Context, user matching.UserID) ([]matching.Session, error) {
	out := l.live.ListFinished(user)
	if l.store == nil {
		return l.truncate(out), nil
	}

	archived, err := l.store.ListFinished(ctx, user, l.limit)
	if err != nil {
		l.log.Warn().Err(err).Str("user", string(user)).Msg("archive unavailable, serving in-process history")
		return l.truncate(out), nil
	}

	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s.ID] = true
	}
	for _, s := range archived {
		if !seen[s.ID] {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return finishedAt(out[i]).After(finishedAt(out[j]))
	})
	return l.truncate(out), nil
}

func (l *Lookup) truncate(sessions []matching.Session) []matching.Session {
	if len(sessions) > l.limit {
		return sessions[:l.limit]
	}
	return sessions
}

func finishedAt(s matching.Session) time.Time {
	if s.FinishedAt != nil {
		return *s.FinishedAt
	}
	return s.CreatedAt
}
