package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/middleware/validation"
	"github.com/finrag/backend/internal/query"
	"github.com/finrag/backend/internal/storage/models"
	"github.com/finrag/backend/pkg/logger"
)

// StatusClientClosedRequest is returned when the caller went away mid-query.
const StatusClientClosedRequest = 499

const defaultQueryTimeout = 90 * time.Second

// QueryProcessor runs one question through the answer pipeline.
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, req query.QueryRequest) (*query.QueryResponse, error)
}

type HistoryStore interface {
	GetQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error)
	GetQueryCitations(ctx context.Context, queryID string) ([]models.QueryCitation, error)
}

type QueryHandler struct {
	engine  QueryProcessor
	history HistoryStore
	base    context.Context
	timeout time.Duration
	logger  *zap.Logger
}

type queryBody struct {
	Query  string `json:"query" validate:"required,max=2000"`
	UserID string `json:"user_id" validate:"omitempty,max=128"`
	Model  string `json:"model" validate:"omitempty,max=64"`
}

// NewQueryHandler runs every query under base, which the server cancels on
// shutdown, and gives each one at most timeout.
func NewQueryHandler(base context.Context, engine QueryProcessor, history HistoryStore, timeout time.Duration, log *zap.Logger) *QueryHandler {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &QueryHandler{
		engine:  engine,
		history: history,
		base:    base,
		timeout: timeout,
		logger:  logger.OrDefault(log).Named("handlers"),
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var body queryBody
	if err := c.BodyParser(&body); err != nil {
		h.logger.Debug("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "Invalid request body",
			"reason": domain.ReasonInvalidRequest,
		})
	}
	body.Query = validation.Sanitize(body.Query)

	if err := validation.Struct(body); err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  verr.Message,
				"fields": verr.Fields,
				"reason": domain.ReasonInvalidRequest,
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "reason": domain.ReasonInvalidRequest})
	}
	if validation.ContainsMarkup(body.Query) {
		h.logger.Warn("Rejected query containing markup", zap.String("ip", c.IP()))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "Invalid query content",
			"reason": domain.ReasonInvalidRequest,
		})
	}

	userID := body.UserID
	if userID == "" {
		userID = c.Get("X-User-ID")
	}

	ctx, cancel := context.WithTimeout(h.base, h.timeout)
	defer cancel()

	resp, err := h.engine.ProcessQuery(ctx, query.QueryRequest{
		Query:        body.Query,
		UserID:       userID,
		ServingModel: body.Model,
	})
	if err != nil {
		status := StatusFor(err)
		if status >= fiber.StatusInternalServerError {
			h.logger.Error("Failed to process query", zap.Error(err))
		}
		out := fiber.Map{
			"error":  errorMessage(err),
			"reason": domain.ReasonOf(err),
		}
		if resp != nil {
			out["id"] = resp.ID
			out["state"] = resp.State
			out["trace"] = resp.Trace
		}
		return c.Status(status).JSON(out)
	}

	return c.JSON(resp)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.Get("X-User-ID")
	}
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(h.base, h.timeout)
	defer cancel()

	records, err := h.history.GetQueryHistory(ctx, userID, limit)
	if err != nil {
		h.logger.Error("Failed to load query history", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load query history",
		})
	}
	if records == nil {
		records = []models.QueryRecord{}
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"history": records,
	})
}

func (h *QueryHandler) GetQueryCitations(c *fiber.Ctx) error {
	queryID := c.Params("id")

	ctx, cancel := context.WithTimeout(h.base, h.timeout)
	defer cancel()

	cits, err := h.history.GetQueryCitations(ctx, queryID)
	if err != nil {
		h.logger.Error("Failed to load query citations", zap.String("query_id", queryID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load query citations",
		})
	}
	if len(cits) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No citations recorded for query",
		})
	}

	return c.JSON(fiber.Map{
		"query_id":  queryID,
		"citations": cits,
	})
}

// StatusFor maps a pipeline failure onto an HTTP status.
func StatusFor(err error) int {
	switch domain.ReasonOf(err) {
	case domain.ReasonNone:
		return fiber.StatusOK
	case domain.ReasonInvalidRequest:
		return fiber.StatusBadRequest
	case domain.ReasonCancelled:
		if errors.Is(err, context.DeadlineExceeded) {
			return fiber.StatusGatewayTimeout
		}
		return StatusClientClosedRequest
	case domain.ReasonSynthesisProviderError:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	switch domain.ReasonOf(err) {
	case domain.ReasonInvalidRequest:
		var pe *domain.PipelineError
		if errors.As(err, &pe) && pe.Err != nil {
			return pe.Err.Error()
		}
		return "Invalid request"
	case domain.ReasonCancelled:
		return "Query cancelled"
	case domain.ReasonSynthesisProviderError:
		return "Answer generation is temporarily unavailable"
	default:
		return "Failed to process query"
	}
}
