package communicator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/endpointguard/agent/agent/transport"
	"github.com/endpointguard/agent/internal/metrics"
)

// Token is the process-wide auth token cell: an opaque bearer string and
// its absolute expiry. No outbound request may use a token whose remaining
// lifetime is <= 0.
type Token struct {
	Bearer string
	Expiry time.Time
}

func (t *Token) remaining() time.Duration {
	if t == nil {
		return 0
	}
	return time.Until(t.Expiry)
}

// tokenExpiryFromJWT is a client-side fast path: if the bearer string is a
// parseable JWT, its exp claim is trusted directly instead of waiting for a
// server-asserted 401. Any parse failure falls back to the caller-supplied
// default lifetime — this is belt-and-suspenders, not the only check.
func tokenExpiryFromJWT(bearer string, fallback time.Duration) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(bearer, claims)
	if err == nil {
		if exp, expErr := claims.GetExpirationTime(); expErr == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(fallback)
}

// authenticator owns the token cell and guarantees at-most-one in-flight
// authentication attempt even when multiple goroutines observe a 401
// concurrently.
type authenticator struct {
	client        *transport.Client
	baseParams    transport.Params
	user          string
	password      string
	uuid          string
	key           string
	defaultTTL    time.Duration
	retryInterval time.Duration
	logger        *zap.Logger

	cell    atomic.Pointer[Token]
	group   singleflight.Group
	metrics *metrics.Collector
}

// current returns the current token's bearer string, or "" if none has
// been obtained yet or its remaining lifetime is <= 0, so an expired token
// is never sent. Implements transport.TokenSource.
func (a *authenticator) current() string {
	t := a.cell.Load()
	if t == nil || t.remaining() <= 0 {
		return ""
	}
	return t.Bearer
}

// authenticate performs (or joins an in-flight) authentication attempt.
// Uses uuid/key credentials if set, else user/password.
func (a *authenticator) authenticate(ctx context.Context) (*Token, error) {
	v, err, _ := a.group.Do("authenticate", func() (any, error) {
		var bearer string
		var ok bool
		if a.uuid != "" {
			bearer, ok = a.client.AuthenticateWithUUIDAndKey(ctx, a.baseParams, a.uuid, a.key)
		} else {
			bearer, ok = a.client.AuthenticateWithUserPassword(ctx, a.baseParams, a.user, a.password)
		}
		if !ok {
			a.metrics.ObserveTokenRefresh("rejected")
			return nil, errAuthFailed
		}
		tok := &Token{Bearer: bearer, Expiry: tokenExpiryFromJWT(bearer, a.defaultTTL)}
		a.cell.Store(tok)
		a.metrics.ObserveTokenRefresh("accepted")
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// waitForTokenExpirationAndAuthenticate loops: compute remaining lifetime,
// sleep until it reaches zero (or cancellation), then authenticate. On
// failure it retries after retryInterval. It runs for the lifetime of ctx.
func (a *authenticator) waitForTokenExpirationAndAuthenticate(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		remaining := a.cell.Load().remaining()
		if remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		if _, err := a.authenticate(ctx); err != nil {
			a.logger.Warn("authentication failed, retrying", zap.Error(err))
			timer := time.NewTimer(a.retryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// triggerReauth requests an out-of-cycle authentication attempt, used when
// a 401 is observed on one of the three worker goroutines. It joins the
// same singleflight group so concurrent 401s collapse into one attempt.
func (a *authenticator) triggerReauth(ctx context.Context) {
	_, _ = a.authenticate(ctx)
}
