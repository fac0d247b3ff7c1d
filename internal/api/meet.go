package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/protocol"
	"github.com/coffeemeet/meet-app/internal/ratelimit"
	"github.com/coffeemeet/meet-app/internal/ws"
)

// SearchRequest is the body of POST /api/v1/meet/search.
type SearchRequest struct {
	Building    string    `json:"building"`
	WindowStart time.Time `json:"window_start" binding:"required"`
	WindowEnd   time.Time `json:"window_end" binding:"required"`
	Tags        []string  `json:"tags"`
}

// FinishRequest is the optional body of POST /api/v1/meet/finish.
type FinishRequest struct {
	Outcome string `json:"outcome"`
}

// Status handles GET /api/v1/meet/status.
func (h *Handler) Status(c *gin.Context) {
	user := currentUser(c)
	c.JSON(http.StatusOK, ws.StatusMessage(user, h.deps.Meet.Snapshot(user)))
}

// Search handles POST /api/v1/meet/search. A waiting or matched caller gets
// 200; an internal pairing failure is reported as 500 with status ERROR.
func (h *Handler) Search(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)

	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.allow(c, string(user), ratelimit.RuleSearch) {
		return
	}

	res, err := h.deps.Meet.Search(ctx, user, matching.SearchParams{
		Building: req.Building,
		Window:   matching.TimeWindow{Start: req.WindowStart, End: req.WindowEnd},
		Tags:     req.Tags,
	})
	if err != nil {
		if errors.Is(err, matching.ErrInvalidParams) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logging.FromContext(ctx).Error().Err(err).Msg("search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	out := protocol.SearchResultMsg{Status: string(res.Status)}
	if res.Session != nil {
		info := res.Session.Info(user)
		out.Session = &info
	}
	code := http.StatusOK
	if res.Status == matching.StatusError {
		code = http.StatusInternalServerError
	}
	c.JSON(code, out)
}

// Cancel handles POST /api/v1/meet/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	status := h.deps.Meet.Cancel(c.Request.Context(), currentUser(c))
	code := http.StatusOK
	if status == matching.CancelFailure {
		code = http.StatusConflict
	}
	c.JSON(code, protocol.CancelResultMsg{Status: string(status)})
}

// Finish handles POST /api/v1/meet/finish. The body is optional and the
// outcome defaults to FINISHED.
func (h *Handler) Finish(c *gin.Context) {
	var req FinishRequest
	// An empty body, sized or chunked, decodes to io.EOF.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := matching.StatusFinished
	if req.Outcome != "" {
		var err error
		if outcome, err = matching.ParseOutcome(req.Outcome); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if !h.deps.Meet.Finish(c.Request.Context(), currentUser(c), outcome) {
		c.JSON(http.StatusConflict, protocol.FinishResultMsg{Finished: false})
		return
	}
	c.JSON(http.StatusOK, protocol.FinishResultMsg{Finished: true})
}

// History handles GET /api/v1/meet/history.
func (h *Handler) History(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)

	sessions, err := h.deps.History.Finished(ctx, user)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, ws.HistoryMessage(user, sessions))
}

// Socket handles GET /api/v1/meet/ws by upgrading to the meet WebSocket.
func (h *Handler) Socket(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)

	if h.deps.Socket == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket unavailable"})
		return
	}
	if !h.allow(c, string(user), ratelimit.RuleConnect) {
		return
	}

	if err := h.deps.Socket.Accept(c.Writer, c.Request, user); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("websocket accept failed")
		// A failed upgrade has already answered on the hijacked connection.
		if errors.Is(err, ws.ErrTooManyConnections) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
		}
	}
}
