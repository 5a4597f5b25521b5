package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/logging"
	"recipebox/internal/models"
	"recipebox/internal/service"
)

const (
	MsgSubscribedViaAPI = "Successfully subscribed! Check your email for recipes."

	detailNotFound    = "Not found."
	detailServerError = "A server error occurred."
)

type SubscriberHandler struct {
	service *service.SubscriberService
	logger  *logging.ContextLogger
	tracer  trace.Tracer
}

func NewSubscriberHandler(service *service.SubscriberService, logger *logging.ContextLogger) *SubscriberHandler {
	return &SubscriberHandler{
		service: service,
		logger:  logger,
		tracer:  otel.Tracer("subscriber-handler"),
	}
}

func (h *SubscriberHandler) CreateSubscriber(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscriber.handler.create")
	defer span.End()

	subscriber, ok := h.subscribe(ctx, c, span, "POST /subscribers")
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, subscriber)
}

// SubscribeViaAPI is the alternate intake endpoint; it wraps the created
// subscriber with a confirmation message.
func (h *SubscriberHandler) SubscribeViaAPI(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscriber.handler.subscribe")
	defer span.End()

	subscriber, ok := h.subscribe(ctx, c, span, "POST /subscribe")
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":    MsgSubscribedViaAPI,
		"subscriber": subscriber,
	})
}

func (h *SubscriberHandler) subscribe(ctx context.Context, c *gin.Context, span trace.Span, endpoint string) (*models.Subscriber, bool) {
	var req models.SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnWithTracing(ctx, "Invalid request payload", logrus.Fields{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON parse error - " + err.Error()})
		return nil, false
	}

	h.logger.InfoWithTracing(ctx, "Received subscribe request", logrus.Fields{
		"email":    req.Email,
		"endpoint": endpoint,
	})

	subscriber, outcome, err := h.service.Subscribe(ctx, req)
	if err != nil {
		h.respondError(ctx, c, span, err, endpoint)
		return nil, false
	}

	span.SetAttributes(
		attribute.String("subscriber.id", subscriber.ID.String()),
		attribute.Bool("notification.delivered", outcome.Delivered()),
		attribute.Bool("success", true),
	)
	return subscriber, true
}

func (h *SubscriberHandler) GetSubscriber(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscriber.handler.get")
	defer span.End()

	id, ok := h.parseID(ctx, c, span, "GET /subscribers/:id")
	if !ok {
		return
	}

	subscriber, err := h.service.GetSubscriber(ctx, id)
	if err != nil {
		h.respondError(ctx, c, span, err, "GET /subscribers/:id")
		return
	}

	span.SetAttributes(
		attribute.String("subscriber.id", subscriber.ID.String()),
		attribute.Bool("success", true),
	)
	c.JSON(http.StatusOK, subscriber)
}

func (h *SubscriberHandler) GetAllSubscribers(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscriber.handler.get_all")
	defer span.End()

	subscribers, err := h.service.GetAllSubscribers(ctx, c.Query("search"))
	if err != nil {
		h.respondError(ctx, c, span, err, "GET /subscribers")
		return
	}

	span.SetAttributes(
		attribute.Int("subscriber.count", len(subscribers)),
		attribute.Bool("success", true),
	)
	c.JSON(http.StatusOK, subscribers)
}

// UpdateSubscriber handles PUT (all fields required) and PATCH (partial).
func (h *SubscriberHandler) UpdateSubscriber(c *gin.Context) {
	partial := c.Request.Method == http.MethodPatch
	endpoint := c.Request.Method + " /subscribers/:id"

	ctx, span := h.tracer.Start(c.Request.Context(), "subscriber.handler.update",
		trace.WithAttributes(attribute.Bool("partial", partial)))
	defer span.End()

	id, ok := h.parseID(ctx, c, span, endpoint)
	if !ok {
		return
	}

	var req models.SubscriberUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnWithTracing(ctx, "Invalid request payload", logrus.Fields{
			"subscriber_id": id.String(),
			"endpoint":      endpoint,
			"error":         err.Error(),
		})
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON parse error - " + err.Error()})
		return
	}

	subscriber, err := h.service.UpdateSubscriber(ctx, id, req, partial)
	if err != nil {
		h.respondError(ctx, c, span, err, endpoint)
		return
	}

	span.SetAttributes(
		attribute.String("subscriber.id", subscriber.ID.String()),
		attribute.Bool("success", true),
	)
	c.JSON(http.StatusOK, subscriber)
}

func (h *SubscriberHandler) DeleteSubscriber(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscriber.handler.delete")
	defer span.End()

	id, ok := h.parseID(ctx, c, span, "DELETE /subscribers/:id")
	if !ok {
		return
	}

	if err := h.service.DeleteSubscriber(ctx, id); err != nil {
		h.respondError(ctx, c, span, err, "DELETE /subscribers/:id")
		return
	}

	span.SetAttributes(
		attribute.String("subscriber.id", id.String()),
		attribute.Bool("success", true),
	)
	c.Status(http.StatusNoContent)
}

// parseID answers 404 for ids that are not UUIDs, since no such resource can exist.
func (h *SubscriberHandler) parseID(ctx context.Context, c *gin.Context, span trace.Span, endpoint string) (uuid.UUID, bool) {
	idParam := c.Param("id")
	id, err := uuid.Parse(idParam)
	if err != nil {
		h.logger.InfoWithTracing(ctx, "Invalid subscriber ID", logrus.Fields{
			"id":       idParam,
			"endpoint": endpoint,
		})
		span.SetAttributes(attribute.Bool("found", false))
		c.JSON(http.StatusNotFound, gin.H{"detail": detailNotFound})
		return uuid.Nil, false
	}
	span.SetAttributes(attribute.String("subscriber.id", id.String()))
	return id, true
}

func (h *SubscriberHandler) respondError(ctx context.Context, c *gin.Context, span trace.Span, err error, endpoint string) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		span.SetAttributes(attribute.Bool("validation.failed", true))
		c.JSON(http.StatusBadRequest, verr.Fields)
	case errors.Is(err, models.ErrSubscriberNotFound):
		span.SetAttributes(attribute.Bool("found", false))
		c.JSON(http.StatusNotFound, gin.H{"detail": detailNotFound})
	default:
		h.logger.ErrorWithTracing(ctx, "Request failed", err, logrus.Fields{
			"endpoint": endpoint,
		})
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": detailServerError})
	}
}
