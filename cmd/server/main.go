package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/trollcity/backend/internal/config"
	"github.com/trollcity/backend/internal/database"
	"github.com/trollcity/backend/internal/handlers"
	mW "github.com/trollcity/backend/internal/middleware"
	"github.com/trollcity/backend/internal/services"
)

// @title Troll City Economy API
// @version 1.0
// @description API for the Troll City virtual coin economy: gifts, credit scoring, badges, and leveling
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("payments.webhook_secret", "PAYMENTS_WEBHOOK_SECRET")
	viper.BindEnv("service.internal_key", "SERVICE_INTERNAL_KEY")
	viper.BindEnv("admin.api_key", "ADMIN_API_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	economyConfig := config.LoadEconomyConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	walletService := services.NewWalletService(db, economyConfig)
	catalogService := services.NewCatalogService(db, redisClient)
	broadcastService := services.NewBroadcastService(redisClient)
	badgeService := services.NewBadgeService(db)
	creditService := services.NewCreditService(db)
	xpService := services.NewXPService(db, badgeService, economyConfig)
	giftService := services.NewGiftService(db, walletService, catalogService, creditService,
		badgeService, xpService, broadcastService, economyConfig)
	maintenanceService := services.NewMaintenanceService(db, creditService)
	reconciliationService := services.NewReconciliationService(db, economyConfig.PlatformFeeAccount)
	authService := services.NewAuthService(db, redisClient)
	qrService := services.NewQRService(db, redisClient)
	qrHandler := handlers.NewQRHandler(qrService)
	eventHandler := handlers.NewEventHandler(creditService, badgeService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for gift artwork
	r.Handle("/static/gift-art/*", http.StripPrefix("/static/gift-art/",
		mW.StaticFileServer("./static/gift-art")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/gifts/catalog", catalogService.Catalog)
		r.Get("/hall-of-fame", xpService.HallOfFame)

		// Service-to-service endpoints (shared-secret guarded)
		r.Post("/events", eventHandler.Ingest)
		r.Post("/webhooks/payments", walletService.HandlePaymentWebhook)
		r.Post("/admin/maintenance/daily", maintenanceService.TriggerDaily)
		r.Post("/admin/reconcile", reconciliationService.Reconcile)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)

			// Gift transfer endpoints
			r.Post("/gifts/send", giftService.SendGift)
			r.Get("/gifts/transactions/{txId}", giftService.GetTransaction)

			// Wallet endpoints
			r.Get("/wallet/balance", walletService.BalanceEnquiry)
			r.Get("/wallet/ledger", walletService.LedgerHistory)

			// Credit, badge, and leveling endpoints
			r.Get("/credit/score", creditService.CreditScore)
			r.Get("/badges", badgeService.UserBadges)
			r.Get("/xp/progress", xpService.LevelProgress)

			// QR endpoints
			r.Post("/qr/generate", qrHandler.GenerateQR)
			r.Post("/qr/process", qrHandler.ProcessQR)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
