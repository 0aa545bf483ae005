package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"safeline/internal/carrier"
	"safeline/internal/config"
	"safeline/internal/delivery"
	"safeline/internal/featureflags"
	"safeline/internal/middleware"
	"safeline/internal/payload"
	"safeline/internal/queue"
	"safeline/internal/repository"
	"safeline/internal/safety"
	"safeline/internal/service"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Components is the fully wired domain layer shared by the HTTP server and the worker.
type Components struct {
	SafetyRepo repository.SafetyRepository
	Safety     *service.SafetyInterceptor
	Moderation *service.ModerationInterceptor
	Gateway    *service.InboundGateway
	Pipeline   *delivery.Pipeline
	Queue      *queue.Queue
	Reconciler *queue.Reconciler
	Flags      *featureflags.Manager
}

// NewCarrierClient builds the carrier REST client from configuration.
func NewCarrierClient(cfg *config.Config) (carrier.Client, error) {
	client, err := carrier.NewHTTPClient(carrier.Config{
		BaseURL:    cfg.CarrierBaseURL,
		AccountSID: cfg.CarrierAccountSID,
		AuthToken:  cfg.CarrierAuthToken,
		Timeout:    cfg.CarrierTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("carrier client: %w", err)
	}
	return client, nil
}

// BuildComponents wires repositories, interceptors, the delivery pipeline, the job
// queue and the reconciler. rdb may be nil.
func BuildComponents(cfg *config.Config, db *gorm.DB, rdb *redis.Client, client carrier.Client, logger *slog.Logger) (*Components, error) {
	if db == nil || client == nil {
		return nil, errors.New("components require a database and a carrier client")
	}
	if logger == nil {
		logger = middleware.Logger
	}

	catalog, err := safety.LoadCatalog(cfg.SafetyKeywordCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("keyword catalog: %w", err)
	}
	key, err := cfg.PayloadKey()
	if err != nil {
		return nil, err
	}
	sealer, err := payload.NewSealer(key)
	if err != nil {
		return nil, err
	}

	safetyRepo := repository.NewSafetyRepository(db)
	identity := repository.NewIdentityRepository(db)
	messages := repository.NewOutboundMessageRepository(db)
	jobs := repository.NewJobRepository(db)
	flags := featureflags.NewManager(cfg.FeatureFlags)

	safetyGate, err := service.NewSafetyInterceptor(safetyRepo, identity, safety.NewDetector(catalog), service.SafetyConfig{
		RateLimit: safety.RateLimitConfig{
			MaxMessages:   cfg.SafetyRateLimitMaxMessages,
			WindowSeconds: cfg.SafetyRateLimitWindowSeconds,
		},
		StrikeThreshold: cfg.SafetyStrikeThreshold,
	}, logger)
	if err != nil {
		return nil, err
	}
	moderationGate, err := service.NewModerationInterceptor(
		repository.NewModerationRepository(db),
		identity,
		time.Duration(cfg.ModerationPromptTTLMinutes)*time.Minute,
		logger,
	)
	if err != nil {
		return nil, err
	}

	pipeline, err := delivery.NewPipeline(client, messages, delivery.Config{
		CorrelationSeed:   cfg.DeliveryCorrelationSeed,
		DeniedPurposes:    cfg.DeniedPurposes(),
		DeniedKeyPrefixes: cfg.DeniedKeyPrefixes(),
		DefaultSenderPool: cfg.DeliveryDefaultSenderPool,
		StatusCallbackURL: cfg.CarrierStatusCallbackURL,
	}, logger)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(jobs, messages, pipeline, sealer, flags, queue.Options{
		BatchSize:         cfg.WorkerBatchSize,
		Concurrency:       cfg.WorkerConcurrency,
		Lease:             time.Duration(cfg.WorkerLeaseSeconds) * time.Second,
		PollInterval:      time.Duration(cfg.WorkerPollIntervalSeconds) * time.Second,
		DefaultSenderPool: cfg.DeliveryDefaultSenderPool,
	}, logger)
	if err != nil {
		return nil, err
	}
	reconciler, err := queue.NewReconciler(client, messages, jobs, rdb, flags, logger)
	if err != nil {
		return nil, err
	}

	// Intercept replies are delivered by the job queue.
	gateway, err := service.NewInboundGateway(safetyGate, moderationGate, safetyRepo, q, nil, logger)
	if err != nil {
		return nil, err
	}

	return &Components{
		SafetyRepo: safetyRepo,
		Safety:     safetyGate,
		Moderation: moderationGate,
		Gateway:    gateway,
		Pipeline:   pipeline,
		Queue:      q,
		Reconciler: reconciler,
		Flags:      flags,
	}, nil
}

// ReconcileDefaults returns the configured sweep bounds.
func ReconcileDefaults(cfg *config.Config) queue.ReconcileOptions {
	return queue.ReconcileOptions{
		Limit:      cfg.ReconcileLimit,
		StaleAfter: time.Duration(cfg.ReconcileStaleMinutes) * time.Minute,
	}
}
