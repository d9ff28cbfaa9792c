package email

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/flare-worker/internal/actor"
	"github.com/phrazzld/flare-worker/internal/config"
	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/phrazzld/flare-worker/internal/platform/memstore"
	"github.com/phrazzld/flare-worker/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEmail struct {
	apiKey string
	msg    Outgoing
	key    string
}

// fakeProvider records sends and fails while err is set.
type fakeProvider struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (p *fakeProvider) factory(apiKey string) Sender {
	return SenderFunc(func(_ context.Context, msg Outgoing, key string) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.err != nil {
			return p.err
		}
		p.sent = append(p.sent, sentEmail{apiKey: apiKey, msg: msg, key: key})
		return nil
	})
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProvider) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakeThrottle struct {
	allowed bool
	err     error
	keys    []string
	tokens  []string
}

func (f *fakeThrottle) CheckOnce(_ context.Context, key, token string, _, _ int) (ratelimit.Decision, error) {
	f.keys = append(f.keys, key)
	f.tokens = append(f.tokens, token)
	return ratelimit.Decision{Allowed: f.allowed, ResetAt: time.Unix(0, 0)}, f.err
}

func liveConfig() config.EmailConfig {
	return config.EmailConfig{
		APIKey:            "re_test",
		SenderAddress:     "blog@example.com",
		SenderName:        "Blog",
		AdminEmail:        "admin@example.com",
		RateWindowSeconds: 60,
	}
}

func TestService_Send(t *testing.T) {
	req := Request{To: "a@b.com", Subject: "S", HTML: "<p>x</p>", IdempotencyKey: "k1"}

	tests := []struct {
		name       string
		cfg        func(*config.EmailConfig)
		production bool
		sendErr    error
		want       Result
		wantSent   int
	}{
		{name: "skipped outside production", production: false, want: Result{Status: StatusSuccess}},
		{
			name:       "disabled without api key",
			cfg:        func(c *config.EmailConfig) { c.APIKey = "" },
			production: true,
			want:       Result{Status: StatusDisabled},
		},
		{
			name:       "disabled without sender",
			cfg:        func(c *config.EmailConfig) { c.SenderAddress = "" },
			production: true,
			want:       Result{Status: StatusDisabled},
		},
		{name: "delivered", production: true, want: Result{Status: StatusSuccess}, wantSent: 1},
		{
			name:       "provider failure",
			production: true,
			sendErr:    errors.New("502 bad gateway"),
			want:       Result{Status: StatusFailed, Error: "502 bad gateway"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := liveConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			p := &fakeProvider{err: tt.sendErr}
			log, _ := logger.NewTestLogger(t)
			svc := NewService(cfg, tt.production, WithSenderFactory(p.factory), WithLogger(log))

			got, err := svc.Send(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantSent, p.sentCount())
		})
	}
}

func TestService_SendFormatsMessage(t *testing.T) {
	tests := []struct {
		name       string
		senderName string
		wantFrom   string
	}{
		{name: "with display name", senderName: "Blog", wantFrom: "Blog <blog@example.com>"},
		{name: "bare address", senderName: "", wantFrom: "blog@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := liveConfig()
			cfg.SenderName = tt.senderName
			p := &fakeProvider{}
			svc := NewService(cfg, true, WithSenderFactory(p.factory))

			_, err := svc.Send(context.Background(), Request{
				To: "a@b.com", Subject: "S", HTML: "h",
				Headers:        map[string]string{"X-Entity-Ref-ID": "1"},
				IdempotencyKey: "key-1",
			})
			require.NoError(t, err)

			require.Len(t, p.sent, 1)
			got := p.sent[0]
			assert.Equal(t, "re_test", got.apiKey)
			assert.Equal(t, "key-1", got.key)
			assert.Equal(t, Outgoing{
				From: tt.wantFrom, To: "a@b.com", Subject: "S", HTML: "h",
				Headers: map[string]string{"X-Entity-Ref-ID": "1"},
			}, got.msg)
		})
	}
}

func TestService_SendThrottled(t *testing.T) {
	cfg := liveConfig()
	cfg.RateLimit = 3

	t.Run("denied", func(t *testing.T) {
		p := &fakeProvider{}
		th := &fakeThrottle{allowed: false}
		svc := NewService(cfg, true, WithSenderFactory(p.factory), WithThrottle(th))

		_, err := svc.Send(context.Background(), Request{To: "Reader@Example.com"})
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.Equal(t, []string{"email:reader@example.com"}, th.keys)
		assert.Zero(t, p.sentCount())
	})

	t.Run("idempotency key is the throttle token", func(t *testing.T) {
		th := &fakeThrottle{allowed: true}
		svc := NewService(cfg, true, WithSenderFactory((&fakeProvider{}).factory), WithThrottle(th))

		_, err := svc.Send(context.Background(), Request{To: "a@b.com", IdempotencyKey: "msg-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"msg-1"}, th.tokens)
	})

	t.Run("throttle error", func(t *testing.T) {
		svc := NewService(cfg, true,
			WithSenderFactory((&fakeProvider{}).factory),
			WithThrottle(&fakeThrottle{err: errors.New("actor unavailable")}))

		_, err := svc.Send(context.Background(), Request{To: "a@b.com"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRateLimited)
	})

	t.Run("zero limit disables throttle", func(t *testing.T) {
		cfg := liveConfig()
		th := &fakeThrottle{allowed: false}
		p := &fakeProvider{}
		svc := NewService(cfg, true, WithSenderFactory(p.factory), WithThrottle(th))

		res, err := svc.Send(context.Background(), Request{To: "a@b.com"})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Empty(t, th.keys)
	})
}

func TestService_RedeliveryDoesNotUseRecipientBudget(t *testing.T) {
	cfg := liveConfig()
	cfg.RateLimit = 2
	cfg.RateWindowSeconds = 3600

	host := actor.NewHost(actor.Config{Kind: "ratelimit", CleanupAfter: time.Minute}, memstore.NewKVStore(), nil, nil)
	t.Cleanup(func() { _ = host.Close(context.Background()) })

	p := &fakeProvider{err: errors.New("provider unavailable")}
	svc := NewService(cfg, true, WithSenderFactory(p.factory), WithThrottle(ratelimit.New(host, nil)))
	ctx := context.Background()

	// One message redelivered through a provider outage.
	for i := 0; i < 5; i++ {
		res, err := svc.Send(ctx, Request{To: "a@b.com", IdempotencyKey: "msg-1"})
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, StatusFailed, res.Status)
	}

	p.setErr(nil)
	res, err := svc.Send(ctx, Request{To: "a@b.com", IdempotencyKey: "msg-2"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	_, err = svc.Send(ctx, Request{To: "a@b.com", IdempotencyKey: "msg-3"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestService_TestConnection(t *testing.T) {
	settings := ConnectionSettings{APIKey: "re_probe", SenderAddress: "probe@example.com"}

	t.Run("success sends to admin", func(t *testing.T) {
		p := &fakeProvider{}
		svc := NewService(liveConfig(), false, WithSenderFactory(p.factory))

		got := svc.TestConnection(context.Background(), settings)
		assert.Equal(t, ConnectionResult{Success: true}, got)
		require.Len(t, p.sent, 1)
		assert.Equal(t, "re_probe", p.sent[0].apiKey)
		assert.Equal(t, "admin@example.com", p.sent[0].msg.To)
		assert.Equal(t, "probe@example.com", p.sent[0].msg.From)
	})

	t.Run("provider error", func(t *testing.T) {
		p := &fakeProvider{err: errors.New("invalid api key")}
		svc := NewService(liveConfig(), true, WithSenderFactory(p.factory))

		got := svc.TestConnection(context.Background(), settings)
		assert.Equal(t, ConnectionResult{Error: "invalid api key"}, got)
	})

	t.Run("no admin address", func(t *testing.T) {
		cfg := liveConfig()
		cfg.AdminEmail = ""
		svc := NewService(cfg, true, WithSenderFactory((&fakeProvider{}).factory))

		got := svc.TestConnection(context.Background(), settings)
		assert.False(t, got.Success)
		assert.NotEmpty(t, got.Error)
	})
}
