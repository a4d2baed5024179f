package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/rtcbridge/rtcbridge/internal/config"
)

// RegistrationStatus is the upstream registration state of the bridge
// account.
type RegistrationStatus string

const (
	RegStatusRegistering RegistrationStatus = "registering"
	RegStatusRegistered  RegistrationStatus = "registered"
	RegStatusFailed      RegistrationStatus = "failed"
)

// RegistrationState is a snapshot of the registration lifecycle.
type RegistrationState struct {
	Status       RegistrationStatus
	LastError    string
	RetryAttempt int
	RegisteredAt *time.Time
	ExpiresAt    *time.Time
}

// registration keeps the bridge's SIP account registered with the upstream
// registrar: initial REGISTER with digest auth, then periodic refresh, with
// exponential backoff between failed attempts.
type registration struct {
	cfg    *config.Config
	client *sipgo.Client
	logger *slog.Logger

	mu sync.Mutex
	st RegistrationState
}

func newRegistration(cfg *config.Config, client *sipgo.Client, logger *slog.Logger) *registration {
	return &registration{
		cfg:    cfg,
		client: client,
		logger: logger.With("subsystem", "register"),
		st:     RegistrationState{Status: RegStatusRegistering},
	}
}

func (r *registration) state() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

// run is the registration lifecycle loop.
func (r *registration) run(ctx context.Context) {
	expiry := r.cfg.SIPExpiry
	if expiry <= 0 {
		expiry = 300
	}

	r.logger.Info("starting upstream registration",
		"registrar", r.cfg.SIPRegistrar,
		"port", r.cfg.SIPPort,
		"transport", r.cfg.SIPTransport,
		"expiry", expiry,
	)

	backoff := newBackoff()

	for {
		grantedExpiry, err := r.sendRegister(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			r.logger.Error("registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)

			r.mu.Lock()
			r.st.Status = RegStatusFailed
			r.st.LastError = err.Error()
			r.st.RetryAttempt = backoff.attempt
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(grantedExpiry) * time.Second)
		r.mu.Lock()
		r.st.Status = RegStatusRegistered
		r.st.LastError = ""
		r.st.RetryAttempt = 0
		r.st.RegisteredAt = &now
		r.st.ExpiresAt = &expiresAt
		r.mu.Unlock()

		r.logger.Info("registered upstream", "expires_in", grantedExpiry)

		// Refresh at 80% of the granted expiry to absorb network delays.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			r.logger.Debug("re-registering upstream")
		}
	}
}

// unregister sends a best-effort expiry-zero REGISTER during shutdown.
func (r *registration) unregister() {
	r.mu.Lock()
	registered := r.st.Status == RegStatusRegistered
	r.mu.Unlock()
	if !registered {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.sendRegister(ctx, 0); err != nil {
		r.logger.Warn("failed to un-register", "error", err)
	}
}

// sendRegister performs one REGISTER round trip with digest auth handling.
// On success it returns the server-granted expiry, which the registrar may
// have shortened per RFC 3261 §10.2.4.
func (r *registration) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s:%d", r.cfg.SIPRegistrar, r.cfg.SIPPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(r.cfg.SIPTransport))

	domain := r.cfg.SIPDomain
	if domain == "" {
		domain = r.cfg.SIPRegistrar
	}
	aor := fmt.Sprintf("<sip:%s@%s>", r.cfg.SIPUsername, domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", r.cfg.SIPUsername, domain)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = r.answerChallenge(ctx, req, res, recipientStr)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}
	return grantedExpiry, nil
}

// answerChallenge retries a REGISTER with digest credentials after a 401/407.
func (r *registration) answerChallenge(ctx context.Context, req *sip.Request, res *sip.Response, uri string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: r.cfg.SIPUsername,
		Password: r.cfg.SIPPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := r.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated register: %w", err)
	}

	res, err = getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated register response: %w", err)
	}
	return res, nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as "<sip:user@host>;expires=3600". Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value. Returns 0 on failure.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter to prevent thundering herd.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
