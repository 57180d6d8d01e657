package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ipguard/internal/app/bootstrap"
	"ipguard/internal/app/server"
	"ipguard/internal/config"
	"ipguard/internal/jobs/maintenance"
	"ipguard/internal/support"
)

const (
	defaultBackendPort       = 8082
	defaultAttemptsPerMinute = 20
	defaultAttemptBurst      = 10
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	backendPortFlag := flag.Int("backend-port", defaultBackendPort, "Port for API server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	flag.Parse()

	if err := support.ConfigureTrustedProxiesFromEnv(); err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	config.SetProductionMode(*productionFlag)
	log.SetLevel(resolveLogLevel(*productionFlag))

	backendPort := resolvePort("BACKEND_PORT", "backend-port", *backendPortFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := optionalRedis()
	defer func() {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("error closing redis client", "error", err)
		}
	}()

	services, err := bootstrap.Setup(ctx, redisClient)
	if err != nil {
		return err
	}
	defer services.Close()

	countInstances := func(ctx context.Context) (int, error) {
		return maintenance.CountActiveInstances(ctx, redisClient)
	}
	attempts := newAttemptLimiter()
	api, err := server.New(server.Deps{
		Engine:          services.Engine,
		Verifier:        services.Issuer,
		Users:           services.Users,
		Tracker:         services.Tracker,
		Admin:           services.Admin,
		Overview:        services.Trust,
		ActiveInstances: countInstances,
		RefreshGeoLite:  services.Geo.UpdateGeoLite,
		Attempts:        attempts,
		SecureCookies:   *productionFlag,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		maintenance.StartChallengeCleanupRoutine(groupCtx, redisClient, services.Challenges, config.ChallengeCleanupIntervalUpdates())
		return nil
	})
	group.Go(func() error {
		maintenance.StartGeoLiteUpdateRoutine(groupCtx, redisClient, services.Geo)
		return nil
	})
	group.Go(func() error {
		maintenance.StartInstanceHeartbeat(groupCtx, redisClient, maintenance.DefaultHeartbeatInterval, maintenance.DefaultHeartbeatTTL)
		return nil
	})
	if attempts != nil {
		group.Go(func() error {
			attempts.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		return api.Serve(groupCtx, backendPort)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ipguard stopped: %w", err)
	}
	return nil
}

// newAttemptLimiter reads the per-address sign-in budget. A non-positive
// LOGIN_ATTEMPTS_PER_MINUTE turns throttling off.
func newAttemptLimiter() *server.AttemptLimiter {
	perMinute := support.GetEnvInt("LOGIN_ATTEMPTS_PER_MINUTE", defaultAttemptsPerMinute)
	if perMinute <= 0 {
		return nil
	}
	burst := support.GetEnvInt("LOGIN_ATTEMPT_BURST", defaultAttemptBurst)
	return server.NewAttemptLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// optionalRedis returns nil when redis is disabled or unreachable; every
// redis-backed feature has a local fallback.
func optionalRedis() *redis.Client {
	client, err := support.GetRedisClient()
	if err != nil {
		if errors.Is(err, support.ErrRedisDisabled) {
			log.Info("Redis disabled, running single-instance")
		} else {
			log.Warn("Redis unavailable, running single-instance", "error", err)
		}
		return nil
	}
	return client
}

func resolveLogLevel(production bool) log.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw != "" {
		if level, err := log.ParseLevel(raw); err == nil {
			return level
		}
		log.Warn("invalid LOG_LEVEL, using default", "value", raw)
	}
	if production {
		return log.InfoLevel
	}
	return log.DebugLevel
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
