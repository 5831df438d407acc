// Package api exposes the protocol rounds over HTTP for orchestrators that
// call sites and the coordinator remotely.
package api

import (
	"io"
	"net/http"
	"time"

	"fedreg/domain/regression"
	"fedreg/internal"
	"fedreg/internal/errors"
	"fedreg/internal/phase"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// MaxBodyBytes bounds a request document. Round-1 payloads carry k×k and
// m×k matrices, so this is generous.
const MaxBodyBytes = 256 << 20

// PhaseHandler serves one round per POST, selected by the document's phase.
type PhaseHandler struct {
	local  *phase.Dispatcher
	remote *phase.Dispatcher
	events *EventHub
	logger *internal.Logger
}

// NewPhaseHandler creates a handler. Either dispatcher may be nil, in which
// case its route answers 404. events may be nil.
func NewPhaseHandler(local, remote *phase.Dispatcher, events *EventHub, logger *internal.Logger) *PhaseHandler {
	if logger == nil {
		logger = internal.Discard()
	}
	return &PhaseHandler{local: local, remote: remote, events: events, logger: logger}
}

// Register mounts the routes on r.
func (h *PhaseHandler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	v1 := r.Group("/v1")
	v1.POST("/local", h.Local)
	v1.POST("/remote", h.Remote)
	if h.events != nil {
		v1.GET("/events", h.events.HandleSSE)
	}
}

// Health reports which sides this process serves
func (h *PhaseHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"local":  h.local != nil,
		"remote": h.remote != nil,
	})
}

// Local runs a site round
func (h *PhaseHandler) Local(c *gin.Context) {
	h.serve(c, h.local)
}

// Remote runs a coordinator round
func (h *PhaseHandler) Remote(c *gin.Context) {
	h.serve(c, h.remote)
}

func (h *PhaseHandler) serve(c *gin.Context, d *phase.Dispatcher) {
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "role not served by this process"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body", "code": errors.CodeInvalidInput})
		return
	}

	start := time.Now()
	resp, p, err := d.Handle(c.Request.Context(), body)
	h.publish(d.Role(), p, body, err, time.Since(start))
	if err != nil {
		code := errors.GetCode(err)
		h.logger.Warn("%s %s: %s: %v", d.Role(), p, code, err)
		c.JSON(StatusFor(code), gin.H{"error": err.Error(), "code": code, "phase": p, "success": false})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PhaseHandler) publish(role phase.Role, p regression.Phase, body []byte, err error, elapsed time.Duration) {
	if h.events == nil {
		return
	}
	state := gjson.GetBytes(body, "state")
	ev := PhaseEvent{
		RunID:     state.Get("runId").String(),
		ClientID:  state.Get("clientId").String(),
		Role:      string(role),
		Phase:     p.String(),
		Success:   err == nil,
		ElapsedMS: elapsed.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ev.Code = errors.GetCode(err)
		ev.Error = err.Error()
	}
	h.events.Broadcast(ev)
}

// StatusFor maps an error code onto an HTTP status. Malformed or out-of-order
// documents are the caller's fault; numerical and storage failures are not.
func StatusFor(code string) int {
	switch code {
	case errors.CodeProtocolViolation, errors.CodeSchemaMismatch, errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeNumericalFailure:
		return http.StatusUnprocessableEntity
	case errors.CodeIOFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
