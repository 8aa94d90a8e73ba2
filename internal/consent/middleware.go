package consent

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/medrex/consent-engine/pkg/logger"
	"github.com/medrex/consent-engine/pkg/types"
)

type ctxKey int

const (
	actorKey ctxKey = iota
	patientKey
)

// Headers used by the patient channel API
const (
	BotSecretHeader     = "X-Bot-Secret"
	ChannelUserIDHeader = "X-Channel-User-ID"
	ChannelHeader       = "X-Channel"
)

// JWTClaims represents staff token claims
type JWTClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	OrgID    string `json:"org_id"`
	jwt.RegisteredClaims
}

// TokenValidator validates staff bearer tokens issued by the ERP auth layer
type TokenValidator struct {
	jwtSecret []byte
	issuer    string
	audience  string
}

// NewTokenValidator creates a validator for HMAC signed tokens
func NewTokenValidator(secret, issuer, audience string) *TokenValidator {
	return &TokenValidator{jwtSecret: []byte(secret), issuer: issuer, audience: audience}
}

// ValidateJWT validates a token and returns its claims
func (tv *TokenValidator) ValidateJWT(tokenString string) (*types.UserClaims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if tv.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.issuer))
	}
	if tv.audience != "" {
		opts = append(opts, jwt.WithAudience(tv.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tv.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" || claims.OrgID == "" {
		return nil, fmt.Errorf("token lacks user or organization")
	}

	return &types.UserClaims{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     types.StaffRole(claims.Role),
		OrgID:    claims.OrgID,
	}, nil
}

// GenerateToken signs a token for the given claims
func (tv *TokenValidator) GenerateToken(claims *types.UserClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	jwtClaims := &JWTClaims{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     string(claims.Role),
		OrgID:    claims.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tv.issuer,
			Subject:   claims.UserID,
		},
	}
	if tv.audience != "" {
		jwtClaims.Audience = jwt.ClaimStrings{tv.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims).SignedString(tv.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ActorFromContext returns the authenticated staff member of a request
func ActorFromContext(ctx context.Context) (*types.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(*types.Actor)
	return actor, ok
}

func patientFromContext(ctx context.Context) string {
	id, _ := ctx.Value(patientKey).(string)
	return id
}

// authMiddleware validates the staff bearer token
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			h.writeError(w, r, types.NewError(types.KindUnauthorized, "missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			h.writeError(w, r, types.NewError(types.KindUnauthorized, "invalid authorization header format"))
			return
		}

		claims, err := h.tokens.ValidateJWT(parts[1])
		if err != nil {
			h.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			h.writeError(w, r, types.NewError(types.KindUnauthorized, "invalid token"))
			return
		}

		actor := &types.Actor{
			UserID:    claims.UserID,
			Username:  claims.Username,
			OrgID:     claims.OrgID,
			Role:      claims.Role,
			IPAddress: h.proxies.ClientIP(r),
			UserAgent: r.UserAgent(),
		}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		ctx = logger.ContextWithActor(ctx, actor.UserID, actor.OrgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// botSecretMiddleware authenticates the messaging bot and resolves the
// patient behind the channel account, when one is named
func (h *Handler) botSecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get(BotSecretHeader)
		if h.botSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.botSecret)) != 1 {
			h.logger.Security("invalid_bot_secret", "", map[string]interface{}{"client_ip": h.proxies.ClientIP(r)})
			h.writeError(w, r, types.NewError(types.KindUnauthorized, "unauthorized"))
			return
		}

		ctx := r.Context()
		if channelUser := r.Header.Get(ChannelUserIDHeader); channelUser != "" {
			channel := types.DeliveryChannel(r.Header.Get(ChannelHeader))
			if channel == "" {
				channel = types.ChannelTelegram
			}
			patient, err := h.directory.FindByChannelUser(ctx, channel, channelUser)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			ctx = context.WithValue(ctx, patientKey, patient.ID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientRateLimiter throttles callers per client address
type ClientRateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter creates a limiter for the provided requests-per-minute
// budget. A non-positive budget disables throttling.
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		window:  5 * time.Minute,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether the client may proceed now
func (l *ClientRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.getLimiter(key).Allow()
}

func (l *ClientRateLimiter) getLimiter(key string) *rate.Limiter {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	l.cleanupLocked(now)
	return limiter
}

func (l *ClientRateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.window {
			delete(l.clients, key)
		}
	}
}

func (h *Handler) throttleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(h.proxies.ClientIP(r)) {
			h.writeError(w, r, types.NewError(types.KindRateLimited, "too many requests, please slow down").
				WithResetIn(time.Second))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TrustedProxies is the set of reverse proxies allowed to report the client
// address through X-Forwarded-For. The zero value trusts nobody.
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies accepts CIDRs and bare IPv4 or IPv6 addresses
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	p := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(entry); err == nil {
			p.nets = append(p.nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 8*net.IPv4len
		}
		p.nets = append(p.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return p, nil
}

func (p *TrustedProxies) trusts(addr string) bool {
	if p == nil {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address of r. When the peer is a trusted proxy
// the X-Forwarded-For chain is walked from the right and the first hop that
// is not itself a trusted proxy wins.
func (p *TrustedProxies) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !p.trusts(peer) {
		return peer
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			// a malformed hop ends the part of the chain that can be believed
			return peer
		}
		if !p.trusts(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}
