package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aixgo-dev/advisor/internal/conversation"
	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/session"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

// User-facing error texts. Internal causes are only logged.
const (
	msgBadRequest   = "The request is missing a prompt, session ID or contact."
	msgRateLimited  = "You are sending messages too quickly. Please wait a moment."
	msgBusy         = "Still answering your previous message. Please try again shortly."
	msgNoHandoff    = "There is no advisor request for this conversation."
	msgHandoffState = "The advisor request cannot be changed in its current state."
	msgResumeLimit  = "This advisor request has been retried too many times. Our team has been notified."
	msgNotResumable = "This advisor request cannot be retried. Our team will follow up."
	msgNoSessions   = "No conversations found for this contact."
)

// sseWriter sets event-stream headers on the first frame so requests
// rejected before streaming can still answer with JSON.
type sseWriter struct {
	c       *gin.Context
	enc     *stream.Encoder
	started bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	return &sseWriter{c: c, enc: stream.NewEncoder(c.Writer)}
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	w.started = true
	stream.SetSSEHeaders(w.c.Writer.Header())
	w.c.Status(http.StatusOK)
}

func (w *sseWriter) WriteFrame(f stream.Frame) error {
	w.start()
	return w.enc.WriteFrame(f)
}

func (w *sseWriter) Heartbeat() error {
	w.start()
	return w.enc.Heartbeat()
}

func (s *Server) chat(c *gin.Context) {
	var req conversation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, msgBadRequest)
		return
	}
	scope, err := req.Scope()
	if err != nil {
		abortJSON(c, http.StatusBadRequest, msgBadRequest)
		return
	}
	if !s.limiter.Allow(scope.Actor.String()) {
		c.Header("Retry-After", "1")
		abortJSON(c, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	w := newSSEWriter(c)
	_, err = s.conv.HandleTurn(c.Request.Context(), req, w)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrBusy):
		abortJSON(c, http.StatusConflict, msgBusy)
	case errors.Is(err, conversation.ErrInvalidRequest):
		abortJSON(c, http.StatusBadRequest, msgBadRequest)
	default:
		// Client went away while queued.
		s.logger.Debug().Err(err).Str("actor", scope.Actor.String()).Msg("chat request abandoned")
		c.Abort()
	}
}

type handoffRequest struct {
	SessionID        string `json:"sessionId" form:"sessionId"`
	ActorIdentifier  string `json:"actorIdentifier" form:"actorIdentifier"`
	TimingPreference string `json:"timingPreference"`
}

func (r handoffRequest) scope() (session.Scope, bool) {
	scope := session.NewScope(r.ActorIdentifier, r.SessionID)
	return scope, scope.Validate() == nil
}

// stepView is a step as shown to clients: no collaborator error text.
type stepView struct {
	Name      handoff.StepName   `json:"name"`
	Status    handoff.StepStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	Retryable bool               `json:"retryable,omitempty"`
}

type attemptView struct {
	ID        string        `json:"id"`
	State     handoff.State `json:"state"`
	Brief     handoff.Brief `json:"brief"`
	Timing    string        `json:"timing,omitempty"`
	Steps     []stepView    `json:"steps"`
	Resumes   int           `json:"resumes"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func viewOf(a *handoff.Attempt) attemptView {
	v := attemptView{
		ID:        a.ID,
		State:     a.State,
		Brief:     a.Brief,
		Timing:    a.Timing,
		Resumes:   a.Resumes,
		UpdatedAt: a.UpdatedAt,
		Steps:     make([]stepView, 0, len(a.Steps)),
	}
	for _, st := range a.Steps {
		v.Steps = append(v.Steps, stepView{Name: st.Name, Status: st.Status, Attempts: st.Attempts, Retryable: st.Retryable})
	}
	return v
}

func (s *Server) handoffError(c *gin.Context, scope session.Scope, err error) {
	switch {
	case errors.Is(err, handoff.ErrNoAttempt):
		abortJSON(c, http.StatusNotFound, msgNoHandoff)
	case errors.Is(err, handoff.ErrInvalidTransition):
		abortJSON(c, http.StatusConflict, msgHandoffState)
	case errors.Is(err, handoff.ErrResumeLimit):
		abortJSON(c, http.StatusConflict, msgResumeLimit)
	case errors.Is(err, handoff.ErrNotResumable):
		abortJSON(c, http.StatusConflict, msgNotResumable)
	default:
		s.logger.Error().Err(err).
			Str("actor", scope.Actor.String()).
			Str("session", scope.Session).
			Msg("handoff request failed")
		abortJSON(c, http.StatusInternalServerError, stream.UserSafeMessage)
	}
}

func (s *Server) bindHandoff(c *gin.Context) (handoffRequest, session.Scope, bool) {
	var req handoffRequest
	var err error
	if c.Request.Method == http.MethodGet {
		err = c.ShouldBindQuery(&req)
	} else {
		err = c.ShouldBindJSON(&req)
	}
	scope, ok := req.scope()
	if err != nil || !ok {
		abortJSON(c, http.StatusBadRequest, msgBadRequest)
		return req, scope, false
	}
	return req, scope, true
}

func (s *Server) handoffStatus(c *gin.Context) {
	_, scope, ok := s.bindHandoff(c)
	if !ok {
		return
	}
	a, err := s.handoffs.Status(c.Request.Context(), scope)
	if err != nil {
		s.handoffError(c, scope, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(a))
}

func (s *Server) handoffConfirm(c *gin.Context) {
	req, scope, ok := s.bindHandoff(c)
	if !ok {
		return
	}
	a, err := s.handoffs.ConfirmAndExecute(c.Request.Context(), scope, req.TimingPreference)
	if err != nil {
		s.handoffError(c, scope, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(a))
}

func (s *Server) handoffDecline(c *gin.Context) {
	_, scope, ok := s.bindHandoff(c)
	if !ok {
		return
	}
	a, err := s.handoffs.Decline(c.Request.Context(), scope)
	if err != nil {
		s.handoffError(c, scope, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(a))
}

func (s *Server) handoffResume(c *gin.Context) {
	_, scope, ok := s.bindHandoff(c)
	if !ok {
		return
	}
	a, err := s.handoffs.Resume(c.Request.Context(), scope)
	if err != nil {
		s.handoffError(c, scope, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(a))
}

func (s *Server) actorSessions(c *gin.Context) {
	scope := session.NewScope(c.Param("contact"), "-")
	if scope.Actor.Empty() {
		abortJSON(c, http.StatusBadRequest, msgBadRequest)
		return
	}
	rec, err := s.registry.Lookup(c.Request.Context(), scope.Actor)
	if errors.Is(err, session.ErrRecordNotFound) {
		abortJSON(c, http.StatusNotFound, msgNoSessions)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("actor", scope.Actor.String()).Msg("session lookup failed")
		abortJSON(c, http.StatusInternalServerError, stream.UserSafeMessage)
		return
	}
	c.JSON(http.StatusOK, rec)
}
