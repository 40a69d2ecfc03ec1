package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mgiordano/turnoremind/internal/channel"
	"github.com/mgiordano/turnoremind/internal/dispatch"
	"github.com/mgiordano/turnoremind/internal/events"
	"github.com/mgiordano/turnoremind/internal/handlers"
	"github.com/mgiordano/turnoremind/internal/ingest"
	"github.com/mgiordano/turnoremind/internal/model"
	"github.com/mgiordano/turnoremind/internal/schedule"
	"github.com/mgiordano/turnoremind/internal/storage"
	"github.com/mgiordano/turnoremind/libs/config"
	"github.com/mgiordano/turnoremind/libs/db"
	"github.com/mgiordano/turnoremind/libs/httpx"
	"github.com/mgiordano/turnoremind/libs/kafkax"
	otelx "github.com/mgiordano/turnoremind/libs/otel"
	"github.com/mgiordano/turnoremind/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "turnoremind")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	tzName := config.String("TIMEZONE", "America/Argentina/Buenos_Aires")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		logger.Error("invalid TIMEZONE, falling back to UTC", "timezone", tzName, "err", err)
		loc = time.UTC
	}

	plan := schedule.NewPlan(map[model.Channel]time.Duration{
		model.ChannelEmail:    durationHours("REMINDER_LEAD_EMAIL_HOURS", 72),
		model.ChannelWhatsApp: durationHours("REMINDER_LEAD_WHATSAPP_HOURS", 48),
	})

	scanInterval := durationMinutes("SCAN_INTERVAL_MINUTES", 10)
	tolerance := schedule.ClampTolerance(durationMinutes("SCAN_TOLERANCE_MINUTES", 5), scanInterval)

	clinic := channel.ClinicInfo{
		Name:         config.String("CLINIC_NAME", ""),
		Address:      config.String("CLINIC_ADDRESS", ""),
		Website:      config.String("CLINIC_WEBSITE", ""),
		ContactPhone: config.String("CLINIC_CONTACT_PHONE", ""),
	}

	var senders []channel.Sender
	if host := strings.TrimSpace(config.String("SMTP_HOST", "")); host != "" {
		senders = append(senders, channel.NewSMTPSender(
			host,
			config.String("SMTP_PORT", "587"),
			config.String("SMTP_FROM", "no-reply@turnoremind.local"),
			config.String("SMTP_USERNAME", ""),
			config.String("SMTP_PASSWORD", ""),
			clinic,
			loc,
		))
	} else {
		logger.Warn("SMTP_HOST not set, email reminders disabled")
	}
	if bridgeURL := strings.TrimSpace(config.String("WHATSAPP_BRIDGE_URL", "")); bridgeURL != "" {
		senders = append(senders, channel.NewBridgeSender(
			bridgeURL,
			config.String("WHATSAPP_BRIDGE_TOKEN", ""),
			clinic,
			loc,
		))
	} else {
		logger.Warn("WHATSAPP_BRIDGE_URL not set, whatsapp reminders disabled")
	}

	kafkaBrokers := config.String("KAFKA_BROKERS", "")
	var publisher events.Publisher = events.Nop{}
	var outbox *events.Outbox
	if strings.TrimSpace(kafkaBrokers) != "" {
		outbox = events.NewOutbox(pool)
		publisher = outbox
		drain := events.NewKafkaDrain(pool, outbox, logger, events.DrainConfig{
			Brokers:   kafkaBrokers,
			PollEvery: 2 * time.Second,
			BatchSize: 50,
		})
		go drain.Run(ctx)
	}
	repo := storage.NewAppointmentRepository(pool, outbox)

	dispatcher := dispatch.New(repo, senders, plan, publisher, logger, dispatch.Config{
		Tolerance:   tolerance,
		SendTimeout: 30 * time.Second,
	})
	worker := dispatch.NewWorker(dispatcher, scanInterval, logger)
	go worker.Run(ctx)

	normalizer := ingest.NewNormalizer(loc, plan)
	apptHandler := handlers.NewAppointmentHandler(repo, dispatcher, normalizer, senders, logger)

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}
	passwordHash, err := config.RequiredString("OPERATOR_PASSWORD_HASH")
	if err != nil {
		panic(err)
	}
	authHandler := handlers.NewAuthHandler(passwordHash, jwtSecret, durationHours("TOKEN_TTL_HOURS", 12), logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if strings.TrimSpace(kafkaBrokers) != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(kafkaBrokers)})
	}
	for _, s := range senders {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: string(s.Channel()), Check: s.Ready})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)

	mux.HandleFunc("/api/v1/auth/login", authHandler.Login)

	protected := func(next http.HandlerFunc) http.Handler {
		return authHandler.RequireAuth(next)
	}
	mux.Handle("/api/v1/appointments", protected(apptHandler.Collection))
	mux.Handle("/api/v1/appointments/import", protected(apptHandler.Import))
	mux.Handle("/api/v1/appointments/detail", protected(apptHandler.Detail))
	mux.Handle("/api/v1/appointments/cancel", protected(apptHandler.Cancel))
	mux.Handle("/api/v1/appointments/confirm", protected(apptHandler.Confirm))
	mux.Handle("/api/v1/appointments/counts", protected(apptHandler.Counts))
	mux.Handle("/api/v1/reminders/resend", protected(apptHandler.Resend))
	mux.Handle("/api/v1/reminders/send-pending", protected(apptHandler.SendPending))
	mux.Handle("/api/v1/reminders/run", protected(apptHandler.Run))
	mux.Handle("/api/v1/reminders/due", protected(apptHandler.Due))
	mux.Handle("/api/v1/channels/status", protected(apptHandler.ChannelStatus))

	limitPerMinute := 120
	if v, err := strconv.Atoi(config.String("RATE_LIMIT_PER_MINUTE", "120")); err == nil && v > 0 {
		limitPerMinute = v
	}
	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		redisDB := 0
		if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
			redisDB = v
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, isTruthy(config.String("RATE_LIMIT_FAIL_OPEN", "true")))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			AllowCredentials: isTruthy(config.String("CORS_ALLOW_CREDENTIALS", "false")),
			MaxAge:           10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		rateLimitMW,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(30*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "turnoremind")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "timezone", loc.String(), "scan_interval", scanInterval.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func durationHours(key string, fallback int) time.Duration {
	if v, err := strconv.Atoi(config.String(key, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Hour
	}
	return time.Duration(fallback) * time.Hour
}

func durationMinutes(key string, fallback int) time.Duration {
	if v, err := strconv.Atoi(config.String(key, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Minute
	}
	return time.Duration(fallback) * time.Minute
}

func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
