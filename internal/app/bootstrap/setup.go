package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"ipguard/internal/auth"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/geolocation"
	"ipguard/internal/mail"
	"ipguard/internal/trust"
)

// Services is the wired object graph of one running instance.
type Services struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Users      *database.UserStore
	Trust      *database.TrustRecordStore
	Challenges *database.ChallengeStore
	Geo        *geolocation.Resolver
	Enricher   *trust.Enricher
	Issuer     *trust.Issuer
	Engine     *trust.Engine
	Tracker    *trust.Tracker
	Admin      *trust.Admin
}

// Setup loads settings, opens the database and builds every service. A nil
// redis client disables the shared cache, throttle and settings sync.
func Setup(ctx context.Context, redisClient *redis.Client, dbOpts ...database.Option) (*Services, error) {
	config.ReadSettings()
	config.SetBetweenTime()
	config.EnableRedisSynchronization(ctx, redisClient)

	db, err := database.SetupDB(dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}

	s := &Services{
		DB:         db,
		Redis:      redisClient,
		Users:      database.NewUserStore(db),
		Trust:      database.NewTrustRecordStore(db),
		Challenges: database.NewChallengeStore(db),
	}

	s.Geo = geolocation.NewResolver(geolocation.Options{Redis: redisClient})
	s.Enricher = trust.NewEnricher(s.Geo, s.Trust, 2*config.GetConfig().GeoTimeout())

	var throttle trust.Throttle
	if redisClient != nil {
		throttle = trust.NewRedisThrottle(redisClient, trust.PolicyFromConfig)
	} else {
		throttle = trust.NewStoreThrottle(s.Challenges, trust.PolicyFromConfig)
	}

	s.Issuer = trust.NewIssuer(trust.IssuerDeps{
		Trust:      s.Trust,
		Challenges: s.Challenges,
		Mailer:     newMailer(),
		Geo:        s.Geo,
		Throttle:   throttle,
		Policy:     trust.PolicyFromConfig,
	})
	s.Engine = trust.NewEngine(trust.EngineDeps{
		Credentials: trust.PasswordVerifier{Users: s.Users},
		Trust:       s.Trust,
		Issuer:      s.Issuer,
		Sessions:    auth.SessionIssuer{TTL: func() time.Duration { return config.GetConfig().SessionTTL() }},
		Enricher:    s.Enricher,
		Policy:      trust.PolicyFromConfig,
	})
	s.Tracker = trust.NewTracker(s.Trust, s.Enricher)
	s.Admin = trust.NewAdmin(s.Trust)

	return s, nil
}

func newMailer() trust.Mailer {
	appName := strings.TrimSpace(config.GetConfig().Mail.AppName)
	if appName == "" {
		appName = "ipguard"
	}
	if m := mail.FromEnv(appName); m != nil {
		return m
	}
	log.Warn("SMTP_HOST is not set, verification codes will only be logged")
	return mail.LogMailer{}
}

// Close waits for detached enrichment and releases the database and GeoLite reader.
func (s *Services) Close() {
	s.Enricher.Wait()
	if err := s.Geo.Close(); err != nil {
		log.Warn("error closing GeoLite database", "error", err)
	}
	if sqlDB, err := s.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Warn("error closing database", "error", err)
		}
	}
}
