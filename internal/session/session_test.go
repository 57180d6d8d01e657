package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ipguard/internal/api/dto"
	"ipguard/internal/client"
)

type scriptedSource struct {
	mu      sync.Mutex
	replies []reply
	calls   atomic.Int32
	lastIP  atomic.Value
}

type reply struct {
	report *dto.TrustStatusResponse
	err    error
}

// TrustStatus plays the scripted replies in order and repeats the last one.
func (s *scriptedSource) TrustStatus(ctx context.Context, publicIP string) (*dto.TrustStatusResponse, error) {
	s.calls.Add(1)
	s.lastIP.Store(publicIP)
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r.report, r.err
}

type fixedIP string

func (f fixedIP) PublicIP(ctx context.Context) (string, error) {
	return string(f), nil
}

type failingIP struct{}

func (failingIP) PublicIP(ctx context.Context) (string, error) {
	return "", errors.New("lookup unreachable")
}

var (
	approved    = reply{report: &dto.TrustStatusResponse{IPStatus: "approved", IsApproved: true}}
	notVerified = reply{report: &dto.TrustStatusResponse{IPStatus: "not_verified"}}
	banned      = reply{report: &dto.TrustStatusResponse{IPStatus: "banned", IsBanned: true, IsApproved: true}}
)

func startAndWait(t *testing.T, source StatusSource, resolver IPResolver) Outcome {
	t.Helper()
	got := make(chan Outcome, 1)
	s, err := Start(context.Background(), Options{
		Interval:       5 * time.Millisecond,
		Source:         source,
		IPResolver:     resolver,
		OnForcedLogout: func(o Outcome) { got <- o },
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)

	select {
	case o := <-got:
		<-s.Done()
		if stored, ok := s.Outcome(); !ok || stored != o {
			t.Fatalf("stored outcome = %q, callback got %q", stored, o)
		}
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no forced logout")
		return ""
	}
}

func TestSessionOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		replies []reply
		want    Outcome
	}{
		{"banned", []reply{approved, banned}, OutcomeBanned},
		{"revoked", []reply{approved, notVerified}, OutcomeReverify},
		{"edge gate ban", []reply{{err: client.ErrOriginBanned}}, OutcomeBanned},
		{"expired token", []reply{{err: client.ErrUnauthorized}}, OutcomeSessionExpired},
		{"transient errors", []reply{{err: errors.New("timeout")}, {err: &client.APIError{StatusCode: 503}}, banned}, OutcomeBanned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := &scriptedSource{replies: tc.replies}
			if got := startAndWait(t, source, fixedIP("203.0.113.10")); got != tc.want {
				t.Fatalf("outcome = %q, want %q", got, tc.want)
			}
			if ip := source.lastIP.Load(); ip != "203.0.113.10" {
				t.Fatalf("polled ip = %v", ip)
			}
		})
	}
}

func TestSessionLookupFailureStillPolls(t *testing.T) {
	source := &scriptedSource{replies: []reply{banned}}
	if got := startAndWait(t, source, failingIP{}); got != OutcomeBanned {
		t.Fatalf("outcome = %q", got)
	}
	if ip := source.lastIP.Load(); ip != "" {
		t.Fatalf("polled ip = %v, want empty", ip)
	}
}

func TestSessionApprovedKeepsPolling(t *testing.T) {
	source := &scriptedSource{replies: []reply{approved}}
	s, err := Start(context.Background(), Options{
		Interval: 5 * time.Millisecond,
		Source:   source,
		OnForcedLogout: func(o Outcome) {
			t.Errorf("unexpected forced logout %q", o)
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for source.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if source.calls.Load() < 3 {
		t.Fatalf("polls = %d, want at least 3", source.calls.Load())
	}
}

type blockingSource struct {
	entered chan struct{}
}

func (b *blockingSource) TrustStatus(ctx context.Context, publicIP string) (*dto.TrustStatusResponse, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	// a verdict that arrives after cancellation must be discarded
	return banned.report, nil
}

func TestSessionStopDiscardsLateResults(t *testing.T) {
	source := &blockingSource{entered: make(chan struct{}, 1)}
	var fired atomic.Bool
	s, err := Start(context.Background(), Options{
		Interval:       time.Millisecond,
		Source:         source,
		OnForcedLogout: func(Outcome) { fired.Store(true) },
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-source.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never started")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if fired.Load() {
		t.Fatal("callback fired after Stop")
	}
	if _, ok := s.Outcome(); ok {
		t.Fatal("no outcome may be recorded after Stop")
	}
	s.Stop()
}

func TestSessionParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, Options{Interval: time.Millisecond, Source: &scriptedSource{replies: []reply{approved}}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end with its parent context")
	}
}

func TestStartRequiresSource(t *testing.T) {
	if _, err := Start(context.Background(), Options{}); err == nil {
		t.Fatal("expected an error without a source")
	}
}
