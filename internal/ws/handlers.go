package ws

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/protocol"
	"github.com/coffeemeet/meet-app/internal/ratelimit"
)

// Meet is the part of the coordinator the socket drives.
type Meet interface {
	Snapshot(user matching.UserID) matching.StatusView
	Search(ctx context.Context, user matching.UserID, params matching.SearchParams) (matching.SearchResult, error)
	Cancel(ctx context.Context, user matching.UserID) matching.CancelStatus
	Finish(ctx context.Context, user matching.UserID, outcome matching.MeetStatus) bool
}

// History lists a user's finished sessions, newest first.
type History interface {
	Finished(ctx context.Context, user matching.UserID) ([]matching.Session, error)
}

// Limiter throttles search requests. ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// MeetHandlers answers meet requests arriving over the socket.
type MeetHandlers struct {
	meet    Meet
	history History
	limiter Limiter // nil disables throttling
	d       *MessageDispatcher
	log     zerolog.Logger
}

// RegisterMeetHandlers wires the meet request types into d.
func RegisterMeetHandlers(d *MessageDispatcher, meet Meet, history History, limiter Limiter) *MeetHandlers {
	h := &MeetHandlers{
		meet:    meet,
		history: history,
		limiter: limiter,
		d:       d,
		log:     logging.For("ws"),
	}
	d.Register(protocol.TypeGetStatus, h.handleGetStatus)
	d.Register(protocol.TypeSearch, h.handleSearch)
	d.Register(protocol.TypeCancel, h.handleCancel)
	d.Register(protocol.TypeFinish, h.handleFinish)
	d.Register(protocol.TypeHistory, h.handleHistory)
	return h
}

func (h *MeetHandlers) handleGetStatus(_ context.Context, conn *Connection, _ interface{}) {
	h.d.reply(conn, protocol.TypeStatus, StatusMessage(conn.UserID, h.meet.Snapshot(conn.UserID)))
}

func (h *MeetHandlers) handleSearch(ctx context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SearchMsg)
	if !ok {
		h.d.sendError(conn, "parse_error", "invalid search payload")
		return
	}

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, string(conn.UserID), ratelimit.RuleSearch)
		if !allowed {
			retry := h.limiter.RetryAfter(ctx, string(conn.UserID), ratelimit.RuleSearch)
			h.d.reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(retry.Round(time.Second) / time.Second),
			})
			return
		}
	}

	res, err := h.meet.Search(ctx, conn.UserID, matching.SearchParams{
		Building: m.Building,
		Window:   matching.TimeWindow{Start: m.WindowStart, End: m.WindowEnd},
		Tags:     m.Tags,
	})
	if err != nil {
		if errors.Is(err, matching.ErrInvalidParams) {
			h.d.sendError(conn, "invalid_params", err.Error())
			return
		}
		h.log.Error().Err(err).Str("user", string(conn.UserID)).Msg("search failed")
		h.d.sendError(conn, "internal", "search failed")
		return
	}

	out := protocol.SearchResultMsg{Status: string(res.Status)}
	if res.Session != nil {
		info := res.Session.Info(conn.UserID)
		out.Session = &info
	}
	h.d.reply(conn, protocol.TypeSearchResult, out)
}

func (h *MeetHandlers) handleCancel(ctx context.Context, conn *Connection, _ interface{}) {
	status := h.meet.Cancel(ctx, conn.UserID)
	h.d.reply(conn, protocol.TypeCancelResult, protocol.CancelResultMsg{Status: string(status)})
}

func (h *MeetHandlers) handleFinish(ctx context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.FinishMsg)
	if !ok {
		h.d.sendError(conn, "parse_error", "invalid finish payload")
		return
	}
	outcome := matching.StatusFinished
	if m.Outcome != "" {
		var err error
		if outcome, err = matching.ParseOutcome(m.Outcome); err != nil {
			h.d.sendError(conn, "invalid_outcome", err.Error())
			return
		}
	}
	finished := h.meet.Finish(ctx, conn.UserID, outcome)
	h.d.reply(conn, protocol.TypeFinishResult, protocol.FinishResultMsg{Finished: finished})
}

func (h *MeetHandlers) handleHistory(ctx context.Context, conn *Connection, _ interface{}) {
	sessions, err := h.history.Finished(ctx, conn.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("user", string(conn.UserID)).Msg("history failed")
		h.d.sendError(conn, "internal", "history unavailable")
		return
	}
	h.d.reply(conn, protocol.TypeHistoryList, HistoryMessage(conn.UserID, sessions))
}

// StatusMessage renders a status view for user.
func StatusMessage(user matching.UserID, view matching.StatusView) protocol.StatusMsg {
	out := protocol.StatusMsg{Status: string(view.Status)}
	if view.Session != nil {
		info := view.Session.Info(user)
		out.Session = &info
	}
	if view.Entry != nil {
		since := view.Entry.EnteredAt
		out.WaitingSince = &since
	}
	return out
}

// HistoryMessage renders sessions for user. The list is never nil so it
// encodes as [] rather than null.
func HistoryMessage(user matching.UserID, sessions []matching.Session) protocol.HistoryListMsg {
	out := protocol.HistoryListMsg{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, s.Info(user))
	}
	return out
}
