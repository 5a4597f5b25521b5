package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/cache"
	"recipebox/internal/handlers"
	"recipebox/internal/logging"
	"recipebox/internal/notifier"
	"recipebox/internal/repository"
	"recipebox/internal/service"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Port           string
	Logger         *logging.ContextLogger
	TracerProvider trace.TracerProvider
	GinMode        string
	CacheTTL       time.Duration
	FlashSecret    string

	// Optional collaborators; in-memory and log-only defaults are used when nil.
	Repository repository.SubscriberRepository
	Cache      cache.Cache
	Notifier   notifier.Notifier

	// Closers are released on Shutdown, after the HTTP server stops.
	Closers []io.Closer
}

type Application struct {
	server   *http.Server
	config   *Config
	router   *gin.Engine
	repo     repository.SubscriberRepository
	cache    cache.Cache
	notifier notifier.Notifier
	service  *service.SubscriberService
	handler  *handlers.SubscriberHandler
	landing  *handlers.LandingHandler
}

func Build(config *Config) *Application {
	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	}

	repo := config.Repository
	if repo == nil {
		repo = repository.NewInMemorySubscriberRepository()
	}

	cacheInstance := config.Cache
	if cacheInstance == nil {
		memCache := cache.NewInMemoryCache()
		config.Closers = append(config.Closers, memCache)
		cacheInstance = memCache
	}

	welcome := config.Notifier
	if welcome == nil {
		welcome = notifier.NewWelcomeNotifier(notifier.NewLogSender(config.Logger), notifier.Config{}, config.Logger)
	}

	subscriberService := service.NewSubscriberService(repo, cacheInstance, welcome, config.Logger)
	subscriberService.SetCacheTTL(config.CacheTTL)
	subscriberHandler := handlers.NewSubscriberHandler(subscriberService, config.Logger)
	landingHandler := handlers.NewLandingHandler(subscriberService, config.Logger)
	landingHandler.SetFlashSecret(config.FlashSecret)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(config.ServiceName, otelgin.WithTracerProvider(config.TracerProvider)))
	router.Use(requestLogger(config.Logger))
	router.SetHTMLTemplate(handlers.Templates())

	router.GET("/", landingHandler.Show)
	router.POST("/", landingHandler.Submit)

	api := router.Group("/api/v1")
	{
		subscribers := api.Group("/subscribers")
		{
			subscribers.POST("", subscriberHandler.CreateSubscriber)
			subscribers.GET("", subscriberHandler.GetAllSubscribers)
			subscribers.GET("/:id", subscriberHandler.GetSubscriber)
			subscribers.PUT("/:id", subscriberHandler.UpdateSubscriber)
			subscribers.PATCH("/:id", subscriberHandler.UpdateSubscriber)
			subscribers.DELETE("/:id", subscriberHandler.DeleteSubscriber)
		}
		api.POST("/subscribe", subscriberHandler.SubscribeViaAPI)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
			"service":   config.ServiceName,
			"version":   config.ServiceVersion,
		})
	})

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Application{
		server:   server,
		config:   config,
		router:   router,
		repo:     repo,
		cache:    cacheInstance,
		notifier: welcome,
		service:  subscriberService,
		handler:  subscriberHandler,
		landing:  landingHandler,
	}
}

func requestLogger(logger *logging.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.WithTracing(c.Request.Context()).WithFields(map[string]interface{}{
			"method":     method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		}).Info("HTTP request completed")
	}
}

func (app *Application) Run() error {
	app.config.Logger.Info("Starting server on :" + app.config.Port)
	if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (app *Application) Shutdown(ctx context.Context) error {
	app.config.Logger.Info("Shutting down server...")
	errs := []error{app.server.Shutdown(ctx)}
	for _, closer := range app.config.Closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

func (app *Application) GetRepo() repository.SubscriberRepository {
	return app.repo
}

func (app *Application) GetCache() cache.Cache {
	return app.cache
}

func (app *Application) GetService() *service.SubscriberService {
	return app.service
}

func (app *Application) GetRouter() *gin.Engine {
	return app.router
}
