package handlers

import (
	"embed"
	"errors"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/logging"
	"recipebox/internal/models"
	"recipebox/internal/service"
)

const (
	MsgSubscribedEmailSent    = "Thank you for subscribing! Check your email for your free recipe collection."
	MsgSubscribedEmailPending = "Thank you for subscribing! Your recipes will be sent shortly."

	landingTemplate = "landing.html"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Templates parses the HTML pages served by LandingHandler.
func Templates() *template.Template {
	return template.Must(template.ParseFS(templatesFS, "templates/*.html"))
}

type LandingHandler struct {
	service *service.SubscriberService
	logger  *logging.ContextLogger
	tracer  trace.Tracer
	flash   *flashSigner
}

func NewLandingHandler(service *service.SubscriberService, logger *logging.ContextLogger) *LandingHandler {
	return &LandingHandler{
		service: service,
		logger:  logger,
		tracer:  otel.Tracer("landing-handler"),
		flash:   newFlashSigner(""),
	}
}

// SetFlashSecret replaces the random per-process flash signing key. An empty
// secret keeps the current key.
func (h *LandingHandler) SetFlashSecret(secret string) {
	if secret != "" {
		h.flash = newFlashSigner(secret)
	}
}

type landingPage struct {
	Flash       string
	Form        models.SubscriptionRequest
	Errors      models.FieldErrors
	ServerError bool
}

func (h *LandingHandler) Show(c *gin.Context) {
	c.HTML(http.StatusOK, landingTemplate, landingPage{
		Flash:  h.flash.pop(c),
		Errors: models.FieldErrors{},
	})
}

// Submit handles the form post. Success redirects back to the landing page
// with a flash message; rejected input re-renders the form with field errors.
func (h *LandingHandler) Submit(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscriber.handler.landing_submit")
	defer span.End()

	var req models.SubscriptionRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.WarnWithTracing(ctx, "Unreadable subscription form", logrus.Fields{
			"error": err.Error(),
		})
	}

	subscriber, outcome, err := h.service.Subscribe(ctx, req)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			span.SetAttributes(attribute.Bool("validation.failed", true))
			c.HTML(http.StatusOK, landingTemplate, landingPage{Form: req, Errors: verr.Fields})
			return
		}

		h.logger.ErrorWithTracing(ctx, "Failed to process subscription form", err, nil)
		span.RecordError(err)
		c.HTML(http.StatusInternalServerError, landingTemplate, landingPage{
			Form:        req,
			Errors:      models.FieldErrors{},
			ServerError: true,
		})
		return
	}

	msg := MsgSubscribedEmailSent
	if !outcome.Delivered() {
		msg = MsgSubscribedEmailPending
	}
	h.flash.set(c, msg)

	span.SetAttributes(
		attribute.String("subscriber.id", subscriber.ID.String()),
		attribute.Bool("notification.delivered", outcome.Delivered()),
		attribute.Bool("success", true),
	)
	c.Redirect(http.StatusFound, "/")
}
