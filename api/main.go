package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack/socketmode"

	"github.com/quarrylabs/quarry/agent/pkg/history"
	"github.com/quarrylabs/quarry/api/config"
	"github.com/quarrylabs/quarry/api/handlers"
	"github.com/quarrylabs/quarry/api/metrics"
	slackbot "github.com/quarrylabs/quarry/slack/bot"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set to true when shutdown signal is received.
	// Readiness probe checks this to immediately return 503.
	shuttingDown atomic.Bool
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	flag.Parse()

	log.Printf("Starting quarry-api version=%s commit=%s date=%s", version, commit, date)
	handlers.SetBuildInfo(version, commit, date)

	// Load .env files if they exist
	// godotenv doesn't override existing env vars, so later files don't overwrite earlier ones
	_ = godotenv.Load()           // .env in current working directory
	_ = godotenv.Load("api/.env") // api/.env when running from repo root

	// Initialize Sentry for error tracking (optional - gracefully no-op if DSN not set)
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		// TracesSampleRate: 1.0 for development, 0.1 (10%) otherwise
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			log.Printf("Warning: Sentry initialization failed: %v", err)
		} else {
			log.Printf("Sentry initialized (env=%s, release=%s)", sentryEnv, release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Load configuration and connect to the warehouse
	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	defer config.Close()

	// Conversation history: Postgres when DATABASE_URL is set, memory otherwise
	var store history.Store = history.NewMemoryStore()
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		ctx := context.Background()
		if err := history.RunMigrations(ctx, slog.Default(), dsn); err != nil {
			log.Fatalf("Failed to run history migrations: %v", err)
		}
		if err := config.LoadPostgres(ctx, dsn); err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer config.ClosePostgres()
		store = history.NewPostgresStore(slog.Default(), config.PgPool)
		log.Println("Conversation history persisted to Postgres")
	} else {
		log.Println("DATABASE_URL not set, conversation history kept in memory")
	}
	handlers.SetStore(store)

	// Start metrics server
	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			log.Printf("Failed to start prometheus metrics server listener: %v", err)
		} else {
			log.Printf("Prometheus metrics server listening on %s", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					log.Printf("Metrics server error: %v", err)
				}
			}()
		}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)

	// Sentry middleware for error and performance monitoring (before Recoverer to capture panics)
	if sentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true, // Re-panic after capturing so Recoverer can handle it
		})
		r.Use(sentryHandler.Handle)

		// Set transaction name from Chi route pattern
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if txn := sentry.TransactionFromContext(r.Context()); txn != nil {
					// Try to get route pattern - may or may not be available depending on timing
					if rctx := chi.RouteContext(r.Context()); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							txn.Name = r.Method + " " + pattern
						} else {
							// Fallback to URL path if route pattern not yet available
							txn.Name = r.Method + " " + r.URL.Path
						}
					}
				}
				next.ServeHTTP(w, r)
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS configuration - origins from env or allow all
	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Security headers middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// Health check endpoints
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// Immediately fail if shutting down
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		// Check warehouse connectivity
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := config.DB.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database connection failed: " + err.Error()))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Lightweight endpoints
	r.Get("/api/config", handlers.GetConfig)
	r.Get("/api/version", handlers.GetVersion)

	// Assistant endpoint
	r.Post("/api/ask", handlers.Ask)

	// Conversation history endpoints
	r.Get("/api/conversations/{userID}", handlers.GetConversations)
	r.Delete("/api/conversations/{userID}", handlers.ClearConversations)

	// Feedback endpoints
	r.Post("/api/feedback", handlers.PostFeedback)
	r.Post("/api/feedback/comment", handlers.PostFeedbackComment)
	r.Get("/api/feedback/{userID}", handlers.GetFeedback)

	// Warehouse endpoints
	r.Post("/api/sql/query", handlers.ExecuteQuery)
	r.Get("/api/schema", handlers.GetSchema)
	r.Get("/api/stats", handlers.GetStats)

	// Start Slack bot if configured. Registers /slack/events before the
	// server starts listening.
	var slackEventHandler *slackbot.EventHandler
	serverCtx, serverCancel := context.WithCancel(context.Background())
	if os.Getenv("SLACK_BOT_TOKEN") != "" {
		slackEventHandler = startSlackBot(serverCtx, r, store)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No write timeout: assistant turns can outlive any fixed deadline
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Cancellable context for all requests so in-flight assistant turns get
	// cancelled during shutdown (http.Server.Shutdown does NOT cancel request
	// contexts by default)
	server.BaseContext = func(_ net.Listener) context.Context {
		return serverCtx
	}

	// Start server in a goroutine
	go func() {
		log.Printf("API server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Immediately mark as shutting down so readiness probe returns 503
	shuttingDown.Store(true)

	// Stop Slack bot if running (before cancelling server context)
	if slackEventHandler != nil {
		log.Println("Stopping Slack bot...")
		shutdownComplete := slackEventHandler.StopAcceptingNew()
		waitDone := make(chan struct{})
		go func() {
			shutdownComplete()
			close(waitDone)
		}()
		select {
		case <-waitDone:
			log.Println("Slack bot stopped gracefully")
		case <-time.After(30 * time.Second):
			log.Println("Slack bot shutdown timed out")
		}
	}

	// Cancel the server context to signal active request handlers
	serverCancel()

	// Give existing connections a short time to complete after context cancellation
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	} else {
		log.Println("Server stopped gracefully")
	}

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		} else {
			log.Println("Metrics server stopped gracefully")
		}
	}
}

// startSlackBot initializes and starts the Slack bot in the background.
// Returns the event handler for graceful shutdown, or nil if startup fails.
func startSlackBot(ctx context.Context, r *chi.Mux, store history.Store) *slackbot.EventHandler {
	cfg, err := slackbot.LoadFromEnv()
	if err != nil {
		log.Printf("Slack bot config error: %v (bot will not start)", err)
		return nil
	}

	// Initialize Slack client. A failed auth test is logged but not fatal:
	// mention detection degrades until Slack is reachable again.
	slackClient := slackbot.NewClient(cfg.BotToken, cfg.AppToken, slog.Default())
	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	botUserID, err := slackClient.Initialize(authCtx)
	if err != nil {
		log.Printf("Slack auth test failed, continuing anyway: %v", err)
	} else {
		log.Printf("Slack bot authenticated as %s", botUserID)
	}

	// Workflow runner shares the API's warehouse connection and history store
	runner := slackbot.NewWorkflowRunner(slog.Default(), store)

	// Set up conversation manager
	convManager := slackbot.NewManager(slog.Default())
	convManager.StartCleanup(ctx)

	// Set up message processor
	msgProcessor := slackbot.NewProcessor(runner, convManager, slog.Default(), cfg.WebBaseURL)
	msgProcessor.StartCleanup(ctx)

	// Set up event handler
	eventHandler := slackbot.NewEventHandler(slackClient, msgProcessor, convManager, slog.Default())
	eventHandler.StartCleanup(ctx)

	// Start bot based on mode
	if cfg.Mode == slackbot.ModeSocket {
		// Socket mode: run in background goroutine
		api := slackClient.API()
		client := socketmode.New(api)

		go func() {
			if err := client.Run(); err != nil {
				log.Printf("Slack socket mode client error: %v", err)
			}
		}()

		go func() {
			if err := eventHandler.HandleSocketMode(ctx, client); err != nil {
				log.Printf("Slack socket mode handler stopped: %v", err)
			}
		}()

		log.Println("Slack bot started in socket mode")
	} else {
		// HTTP mode: add /slack/events route to the existing router
		r.Post("/slack/events", func(w http.ResponseWriter, r *http.Request) {
			eventHandler.HandleHTTP(w, r, cfg.SigningSecret)
		})

		log.Println("Slack bot started in HTTP mode (route: /slack/events)")
	}

	return eventHandler
}
