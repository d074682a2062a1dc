package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/middleware/validation"
	"github.com/finrag/backend/internal/query"
	"github.com/finrag/backend/pkg/logger"
)

type jsonWriter interface {
	WriteJSON(v interface{}) error
}

type jsonReader interface {
	ReadJSON(v interface{}) error
}

type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content" validate:"required,max=2000"`
	UserID  string `json:"user_id" validate:"omitempty,max=128"`
	Model   string `json:"model" validate:"omitempty,max=64"`
}

type outboundMessage struct {
	Type    string      `json:"type"`
	Content string      `json:"content,omitempty"`
	State   string      `json:"state,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type WebSocketHandler struct {
	engine  QueryProcessor
	base    context.Context
	timeout time.Duration
	logger  *zap.Logger
}

// NewWebSocketHandler streams queries under base, which the server cancels
// on shutdown. Each message gets at most timeout.
func NewWebSocketHandler(base context.Context, engine QueryProcessor, timeout time.Duration, log *zap.Logger) *WebSocketHandler {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &WebSocketHandler{
		engine:  engine,
		base:    base,
		timeout: timeout,
		logger:  logger.OrDefault(log).Named("websocket"),
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	h.logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(h.base)
	inbound := make(chan inboundMessage)
	defer func() {
		cancel()
		c.Close()
		// The conn is recycled once this returns, so the reader must be done.
		for range inbound {
		}
		h.logger.Info("WebSocket connection closed")
	}()

	go h.readLoop(ctx, c, inbound, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if err := h.handleMessage(ctx, c, msg); err != nil {
				h.logger.Warn("Failed to stream response", zap.Error(err))
				return
			}
		}
	}
}

// readLoop keeps reading while a query streams, so a close frame or a dead
// peer cancels the query in flight. It closes out when reading stops.
func (h *WebSocketHandler) readLoop(ctx context.Context, r jsonReader, out chan<- inboundMessage, cancel context.CancelFunc) {
	defer close(out)
	for {
		var msg inboundMessage
		if err := r.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			cancel()
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage validates one inbound message the way the HTTP endpoint
// validates a body, then streams the answer. It returns only write errors.
func (h *WebSocketHandler) handleMessage(ctx context.Context, w jsonWriter, msg inboundMessage) error {
	if msg.Type != "query" {
		return nil
	}
	msg.Content = validation.Sanitize(msg.Content)
	if err := validation.Struct(msg); err != nil {
		return w.WriteJSON(outboundMessage{Type: "error", Error: err.Error(), Reason: string(domain.ReasonInvalidRequest)})
	}
	if validation.ContainsMarkup(msg.Content) {
		h.logger.Warn("Rejected websocket query containing markup")
		return w.WriteJSON(outboundMessage{Type: "error", Error: "Invalid query content", Reason: string(domain.ReasonInvalidRequest)})
	}

	qctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.streamResponse(qctx, w, msg)
}

// streamResponse reports every state transition, then the answer in word
// chunks, then a completion message. It returns only write errors.
func (h *WebSocketHandler) streamResponse(ctx context.Context, w jsonWriter, msg inboundMessage) error {
	var writeErr error
	observer := func(ev domain.StageEvent) {
		if writeErr != nil {
			return
		}
		writeErr = w.WriteJSON(outboundMessage{Type: "status", State: string(ev.State), Content: ev.Detail})
	}

	resp, err := h.engine.ProcessQuery(ctx, query.QueryRequest{
		Query:        msg.Content,
		UserID:       msg.UserID,
		ServingModel: msg.Model,
		Observer:     observer,
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return w.WriteJSON(outboundMessage{
			Type:   "error",
			Error:  errorMessage(err),
			Reason: string(domain.ReasonOf(err)),
			State:  string(domain.StateFailed),
		})
	}

	for _, chunk := range splitIntoChunks(resp.Answer) {
		if err := w.WriteJSON(outboundMessage{Type: "chunk", Content: chunk}); err != nil {
			return err
		}
	}

	return w.WriteJSON(outboundMessage{
		Type:   "complete",
		State:  string(resp.State),
		Reason: string(resp.Reason),
		Data: completion{
			ID:               resp.ID,
			Verified:         resp.Verified,
			AnswerType:       resp.AnswerType,
			Citations:        resp.Citations,
			UnverifiedClaims: resp.UnverifiedClaims,
			Diagnostics:      resp.Diagnostics,
			Metadata:         resp.Metadata,
		},
	})
}

type completion struct {
	ID               string              `json:"id"`
	Verified         bool                `json:"verified"`
	AnswerType       string              `json:"answer_type"`
	Citations        []domain.Citation   `json:"citations"`
	UnverifiedClaims []string            `json:"unverified_claims,omitempty"`
	Diagnostics      []domain.Diagnostic `json:"diagnostics,omitempty"`
	Metadata         query.Metadata      `json:"metadata"`
}

// splitIntoChunks splits text into words with their trailing space. Newlines
// are their own chunks, so concatenating the chunks restores the text up to
// runs of spaces.
func splitIntoChunks(text string) []string {
	var chunks []string
	var word []rune
	flush := func(trailing string) {
		if len(word) > 0 {
			chunks = append(chunks, string(word)+trailing)
			word = word[:0]
		}
	}

	for _, r := range text {
		switch r {
		case ' ':
			flush(" ")
		case '\n':
			flush("")
			chunks = append(chunks, "\n")
		default:
			word = append(word, r)
		}
	}
	flush("")
	return chunks
}
