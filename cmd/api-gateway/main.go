package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/qr-presence-api/api/swagger"
	"github.com/noah-isme/qr-presence-api/internal/handler"
	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/internal/realtime"
	"github.com/noah-isme/qr-presence-api/internal/repository"
	"github.com/noah-isme/qr-presence-api/internal/service"
	"github.com/noah-isme/qr-presence-api/pkg/cache"
	"github.com/noah-isme/qr-presence-api/pkg/config"
	"github.com/noah-isme/qr-presence-api/pkg/database"
	"github.com/noah-isme/qr-presence-api/pkg/jobs"
	"github.com/noah-isme/qr-presence-api/pkg/logger"
	"github.com/noah-isme/qr-presence-api/pkg/middleware/ratelimit"
	"github.com/noah-isme/qr-presence-api/pkg/qrcode"
	"github.com/noah-isme/qr-presence-api/pkg/scheduler"
	"github.com/noah-isme/qr-presence-api/pkg/signature"
)

// @title QR Presence API
// @version 1.0.0
// @description Rotating QR credential attendance for live class sessions
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

// stores groups the persistence collaborators of the protocol services.
type stores struct {
	sessions    sessionStore
	attendance  attendanceStore
	enrollments enrollmentStore
	devices     deviceStore
	credentials credentialStore
	checks      []handler.ReadinessCheck
	closers     []func() error
}

type (
	sessionStore interface {
		FindByID(ctx context.Context, id string) (*models.ClassSession, error)
		Transition(ctx context.Context, id string, t models.SessionTransition) (*models.ClassSession, error)
		ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.ClassSession, error)
	}
	attendanceStore interface {
		InsertIfAbsent(ctx context.Context, record *models.AttendanceRecord) (bool, error)
		Exists(ctx context.Context, sessionID, studentID string) (bool, error)
		CountByFingerprint(ctx context.Context, sessionID, hash, excludeStudentID string) (int, error)
		InsertAbsent(ctx context.Context, sessionID string, studentIDs []string, at time.Time) (int, error)
		Summary(ctx context.Context, sessionID string) (models.AttendanceSummary, error)
		ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
	}
	enrollmentStore interface {
		ListStudentIDs(ctx context.Context, sessionID string) ([]string, error)
	}
	deviceStore interface {
		Get(ctx context.Context, studentID string) (*models.DeviceFingerprint, error)
		Save(ctx context.Context, studentID string, fp models.DeviceFingerprint) error
	}
	credentialStore interface {
		Get(ctx context.Context, sessionID string) (*models.Credential, error)
		Put(ctx context.Context, cred models.Credential, ttl time.Duration) (bool, error)
		Delete(ctx context.Context, sessionID string) error
	}
)

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	st, redisClient, err := openStores(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range st.closers {
			if err := closeFn(); err != nil {
				logr.Warn("failed to close resource", zap.Error(err))
			}
		}
	}()

	clock := clockwork.NewRealClock()
	metrics := service.NewMetricsService()
	hub := realtime.NewHub(realtime.HubConfig{
		BufferSize: cfg.Fanout.BufferSize,
		Logger:     logr.Named("hub"),
		Observer:   metrics,
	})

	var publisher realtime.Publisher = hub
	if cfg.Fanout.Backend == config.BackendRedis {
		if redisClient == nil {
			if redisClient, err = cache.NewRedis(ctx, cfg.Redis); err != nil {
				return fmt.Errorf("connect redis for fan-out: %w", err)
			}
			st.closers = append(st.closers, redisClient.Close)
		}
		broadcaster := realtime.NewRedisBroadcaster(redisClient, hub, cfg.Fanout.ChannelPrefix, logr.Named("broadcaster"), metrics)
		publisher = broadcaster
		go func() {
			if err := broadcaster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("fan-out relay stopped", zap.Error(err))
			}
		}()
	}

	signer, err := signature.NewSigner(cfg.Attendance.CredentialSecret)
	if err != nil {
		return fmt.Errorf("credential signer: %w", err)
	}

	sched := scheduler.New(clock, logr.Named("scheduler"))
	defer sched.Stop()

	absenceQueue := jobs.NewQueue("absence", jobs.QueueConfig{
		Workers:    cfg.Workers.AbsenceWorkers,
		MaxRetries: cfg.Workers.AbsenceRetries,
		RetryDelay: cfg.Workers.AbsenceRetryDelay,
		Logger:     logr,
	})

	credentials := service.NewCredentialService(st.credentials, st.sessions, signer, qrcode.NewRenderer(cfg.Attendance.QRSize), publisher, metrics, logr.Named("credentials"), service.CredentialConfig{
		TTL:                cfg.Attendance.CredentialTTL,
		ExpiringSoonWindow: cfg.Attendance.ExpiringSoonWindow,
		ClockSkew:          cfg.Attendance.ClockSkew,
		Clock:              clock,
	})
	sessions := service.NewSessionService(st.sessions, credentials, st.attendance, sched, publisher, absenceQueue, metrics, logr.Named("sessions"), service.SessionConfig{
		RotationInterval: cfg.Attendance.RotationInterval,
		MaxDuration:      cfg.Attendance.SessionMaxDuration,
		Clock:            clock,
	})
	scans := service.NewScanService(st.sessions, sessions, credentials, st.attendance, st.devices, publisher, validator.New(), metrics, logr.Named("scans"), service.ScanConfig{
		GraceWindow:               cfg.Attendance.GraceWindow,
		LatePolicy:                cfg.Attendance.LatePolicy,
		DeviceSimilarityThreshold: cfg.Attendance.DeviceSimilarityThreshold,
		Clock:                     clock,
	})
	absences := service.NewAbsenceService(st.sessions, st.enrollments, st.attendance, metrics, logr.Named("absences"))
	auth := service.NewAuthService(logr, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	absenceQueue.Handle(service.JobTypeSynthesizeAbsent, absences.HandleJob)
	absenceQueue.Start(ctx)

	if err := sessions.Recover(ctx); err != nil {
		logr.Error("session recovery failed", zap.Error(err))
	}

	limiter := ratelimit.NewTokenBucket(cfg.RateLimit.ScansPerMinute, cfg.RateLimit.Burst, clock)
	r, err := newRouter(cfg, logr, routes{
		auth:     auth,
		metrics:  metrics,
		limiter:  limiter,
		sessions: handler.NewSessionHandler(sessions, credentials),
		scans:    handler.NewScanHandler(scans),
		stream:   handler.NewStreamHandler(sessions, credentials, hub, 0, logr.Named("stream")),
		health:   handler.NewMetricsHandler(metrics, st.checks...),
		me:       handler.NewAuthHandler(),
	})
	if err != nil {
		return fmt.Errorf("configure router: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Env),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("fanout", cfg.Fanout.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// open event streams never go idle, so end them before draining connections
	if closed := hub.Close(); closed > 0 {
		logr.Info("closed event streams", zap.Int("subscribers", closed))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown incomplete", zap.Error(err))
	}
	sched.Stop()
	if err := absenceQueue.Stop(shutdownCtx); err != nil {
		logr.Warn("absence queue did not drain", zap.Error(err))
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*stores, *redis.Client, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		mem := repository.NewMemoryStore()
		logr.Warn("using in-memory storage; data is lost on restart")
		if cfg.Storage.SeedFile != "" {
			if err := seedMemory(mem, cfg.Storage.SeedFile, logr); err != nil {
				return nil, nil, err
			}
		}
		return &stores{
			sessions:    mem.Sessions(),
			attendance:  mem.Attendance(),
			enrollments: mem.Enrollments(),
			devices:     mem.Devices(),
			credentials: mem.Credentials(),
		}, nil, nil
	case config.BackendPostgres, "":
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	return &stores{
		sessions:    repository.NewSessionRepository(db),
		attendance:  repository.NewAttendanceRepository(db),
		enrollments: repository.NewEnrollmentRepository(db),
		devices:     repository.NewDeviceRepository(db),
		credentials: repository.NewCredentialCacheRepository(redisClient, logr.Named("credential_cache")),
		checks: []handler.ReadinessCheck{
			{Name: "postgres", Check: pingDB(db)},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
		closers: []func() error{redisClient.Close, db.Close},
	}, redisClient, nil
}

func pingDB(db *sqlx.DB) func(context.Context) error {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

func seedMemory(mem *repository.MemoryStore, path string, logr *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	n, err := mem.LoadSeed(f)
	if err != nil {
		return fmt.Errorf("load seed file %s: %w", path, err)
	}
	logr.Info("memory store seeded", zap.String("file", path), zap.Int("sessions", n))
	return nil
}
