package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/tripdesk/internal/availability"
	"github.com/diagnosis/tripdesk/internal/flow"
	"github.com/diagnosis/tripdesk/internal/http/handlers"
	"github.com/diagnosis/tripdesk/internal/http/middleware"
	"github.com/diagnosis/tripdesk/internal/marketplace"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/internal/platform/geocode"
	"github.com/diagnosis/tripdesk/internal/platform/mailer"
	"github.com/diagnosis/tripdesk/internal/repo/postgres"
	"github.com/diagnosis/tripdesk/pkg/auth"
	"github.com/diagnosis/tripdesk/pkg/config"
	"github.com/diagnosis/tripdesk/pkg/database"
	"github.com/diagnosis/tripdesk/pkg/events"
	"github.com/diagnosis/tripdesk/pkg/logger"
	mw "github.com/diagnosis/tripdesk/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v76/client"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Incident ledger (optional)
	var incidents flow.IncidentRecorder
	var support *handlers.IncidentHandler
	if cfg.Database.URL != "" {
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		repo := postgres.NewIncidentRepo(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to prepare incident schema", "error", err)
			os.Exit(1)
		}
		incidents = repo
		support = handlers.NewIncidentHandler(repo)
	} else {
		logger.Warn("DATABASE_URL not set, verification incidents are only logged")
	}

	// Redis backs the blocked-date cache and the code verification limiter
	var rdb *redis.Client
	var cache availability.Cache = availability.NewMemoryCache()
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		cache = availability.NewRedisCache(rdb)
	}

	// Event bus (optional)
	var bus events.Publisher = events.Discard{}
	if cfg.NATS.URL != "" {
		nb, err := events.NewNATSEventBus(cfg.NATS.URL)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nb.Close()
		bus = nb
	}

	var transport mailer.Transport
	switch {
	case cfg.Email.DevMode:
		transport = mailer.NewDevMailer()
	case cfg.Email.MailerSendKey != "":
		transport = mailer.NewMailerSend(cfg.Email.MailerSendKey, cfg.Email.FromName, cfg.Email.SMTPFrom)
	default:
		transport = mailer.NewSMTPMailer(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPFrom,
			cfg.Email.SMTPUser, cfg.Email.SMTPPass, cfg.Email.SMTPUseTLS)
	}
	notifier := mailer.NewNotifier(transport, cfg.Email.SupportEmail)

	var newGateway func() payment.Gateway
	switch cfg.Gateway.Provider {
	case "stripe":
		if cfg.Stripe.SecretKey == "" {
			logger.Error("STRIPE_SECRET_KEY is required for the stripe gateway")
			os.Exit(1)
		}
		sg := payment.NewStripeGateway(client.New(cfg.Stripe.SecretKey, nil))
		newGateway = func() payment.Gateway { return sg }
	default:
		newGateway = func() payment.Gateway { return payment.NewWidgetGateway() }
	}

	// Blocked dates are not user-scoped; one client serves every session.
	market := marketplace.NewClient(cfg.Marketplace.BaseURL, cfg.Marketplace.CallTimeout)
	fetcher := availability.NewFetcher(market, cache, cfg.Availability.CacheTTL)

	var proximity *availability.ProximityChecker
	if cfg.Geocoder.URL != "" && cfg.Availability.RadiusKm > 0 {
		proximity = availability.NewProximityChecker(
			geocode.NewNominatim(cfg.Geocoder.URL, cfg.Geocoder.UserAgent, cfg.Geocoder.Timeout),
			cfg.Availability.RadiusKm,
		)
	}

	store := flow.NewStore(cfg.Session.TTL, nil)
	go store.Run(ctx, time.Minute)

	limiter := middleware.NewRateLimiter(rdb, middleware.RateLimitConfig{
		Requests: cfg.RateLimit.VerifyRequests,
		Window:   cfg.RateLimit.VerifyWindow,
		Prefix:   "checkout:verify",
		KeyFunc:  middleware.CodeVerifyKeys,
	})

	h := handlers.NewCheckoutHandler(handlers.CheckoutDeps{
		Marketplace: func(cred *auth.Credential) handlers.Marketplace {
			return market.WithAuthorization(cred.AuthorizationHeader())
		},
		Fetcher:    fetcher,
		Proximity:  proximity,
		NewGateway: newGateway,
		Events:     bus,
		Incidents:  incidents,
		Mailer:     notifier,
		Flow: flow.Config{
			Payment: payment.Config{
				ReadinessTimeout: cfg.Gateway.ReadinessTimeout,
				PollInterval:     cfg.Gateway.PollInterval,
				CallTimeout:      cfg.Marketplace.CallTimeout,
			},
			HorizonDays: cfg.Availability.HorizonDays,
		},
		Store:       store,
		LoginURL:    cfg.Auth.LoginURL,
		VerifyLimit: limiter.Middleware(),
	})

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("checkout"))
	r.Use(mw.Logging)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(mw.Health)

	r.Route("/v1/checkout/sessions", func(r chi.Router) {
		r.Use(middleware.RequireCredential(cfg.Auth.JWTSecret, cfg.Auth.LoginURL, nil))
		r.Mount("/", h.Routes())
	})

	if support != nil {
		r.Route("/v1/support/incidents", func(r chi.Router) {
			r.Use(middleware.RequireCredential(cfg.Auth.JWTSecret, cfg.Auth.LoginURL, nil))
			r.Use(middleware.RequireRole("support", "admin"))
			r.Mount("/", support.Routes())
		})
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down checkout service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Checkout service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting checkout service", "port", cfg.Server.Port, "gateway", cfg.Gateway.Provider)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Checkout service error", "error", err)
		os.Exit(1)
	}
}
