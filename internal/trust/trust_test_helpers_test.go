package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ipguard/internal/database"
	"ipguard/internal/domain"
	"ipguard/internal/support"

	"gorm.io/driver/sqlite"
)

type sentCode struct {
	to       string
	code     string
	location string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentCode
	err  error
}

func (m *fakeMailer) SendVerificationCode(ctx context.Context, to, code, location string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentCode{to: to, code: code, location: location})
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *fakeMailer) last() sentCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentCode{}
	}
	return m.sent[len(m.sent)-1]
}

type fakeGeo struct {
	info *domain.GeoInfo
}

func (g fakeGeo) Resolve(ctx context.Context, ip string) *domain.GeoInfo {
	if g.info == nil {
		return nil
	}
	copied := *g.info
	return &copied
}

type fakeSessions struct{}

func (fakeSessions) IssueSession(user *domain.User) (string, error) {
	return fmt.Sprintf("token-%d", user.ID), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingTrustStore struct {
	TrustStore
}

func (failingTrustStore) Get(ctx context.Context, userID uint, ip string) (*domain.TrustRecord, error) {
	return nil, errors.New("connection reset")
}

type testEnv struct {
	trust      *database.TrustRecordStore
	challenges *database.ChallengeStore
	users      *database.UserStore
	mailer     *fakeMailer
	clock      *clock
	policy     *Policy
	issuer     *Issuer
	engine     *Engine
	enricher   *Enricher
	tracker    *Tracker
	admin      *Admin
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.SetupDB(database.WithDialector(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name))))
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	env := &testEnv{
		trust:      database.NewTrustRecordStore(db),
		challenges: database.NewChallengeStore(db),
		users:      database.NewUserStore(db),
		mailer:     &fakeMailer{},
		clock:      &clock{now: time.Now().UTC()},
		policy: &Policy{
			CodeTTL:      10 * time.Minute,
			PollInterval: 2 * time.Second,
		},
	}
	policy := func() Policy { return *env.policy }
	geo := fakeGeo{info: &domain.GeoInfo{Country: "Germany", Region: "Berlin", City: "Berlin", Source: domain.GeoSourceRemote}}

	env.enricher = NewEnricher(geo, env.trust, time.Second)
	env.issuer = NewIssuer(IssuerDeps{
		Trust:      env.trust,
		Challenges: env.challenges,
		Mailer:     env.mailer,
		Geo:        geo,
		Throttle:   NewStoreThrottle(env.challenges, policy),
		Policy:     policy,
		Now:        env.clock.Now,
	})
	env.engine = NewEngine(EngineDeps{
		Credentials: PasswordVerifier{Users: env.users},
		Trust:       env.trust,
		Issuer:      env.issuer,
		Sessions:    fakeSessions{},
		Enricher:    env.enricher,
		Policy:      policy,
		Now:         env.clock.Now,
	})
	env.tracker = NewTracker(env.trust, env.enricher)
	env.admin = NewAdmin(env.trust)

	t.Cleanup(env.enricher.Wait)
	return env
}

func (env *testEnv) createUser(t *testing.T, email, password string) *domain.User {
	t.Helper()
	hash, err := support.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := &domain.User{Email: email, Password: hash}
	if err := env.users.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (env *testEnv) login(t *testing.T, email, password, claimed, observed string) (*LoginDecision, error) {
	t.Helper()
	return env.engine.Login(context.Background(), LoginAttempt{
		Email:      email,
		Password:   password,
		ClaimedIP:  claimed,
		ObservedIP: observed,
		UserAgent:  "trust-test/1.0",
	})
}
