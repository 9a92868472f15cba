package server

import (
	"context"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"shipline/internal/cloud"
	"shipline/internal/repo"
)

// maxSignatureSkew bounds how stale an HMAC-signed request may be before it
// is rejected.
const maxSignatureSkew = 5 * time.Minute

const tokenTTL = 24 * time.Hour

type AuthConfig struct {
	// JWTSecret signs tokens issued by the login endpoint. Empty disables
	// token auth.
	JWTSecret string
	// Username and Password are the basic credentials this hub accepts.
	Username string
	Password string
	Logger   *log.Logger
}

type Principal struct {
	Actor  string
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor != "" {
		return p.Actor, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "Authentication required")
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Actor: claims.Subject, Source: "jwt"}, nil
}

func issueToken(secret, subject string, now time.Time) (string, string, error) {
	expires := now.Add(tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", "", err
	}
	return signed, expires.UTC().Format(time.RFC3339), nil
}

func authenticateBasic(cfg AuthConfig, username, password string) (Principal, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return Principal{}, errors.New("basic auth not configured")
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
	if !userOK || !passOK {
		return Principal{}, errors.New("invalid credentials")
	}
	return Principal{Actor: cfg.Username, Source: "basic"}, nil
}

// authenticateHMAC verifies a signed request. The Authorization value carries
// key id, timestamp and signature; the signature must match what the key's
// secret produces over the method, path, timestamp and body actually
// received.
func authenticateHMAC(ctx context.Context, r repo.Repo, authz, method, requestURI string, body []byte) (Principal, error) {
	value := strings.TrimSpace(authz[len("HMAC"):])
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return Principal{}, errors.New("malformed hmac authorization")
	}
	keyID, ts, sig := parts[0], parts[1], parts[2]

	key, err := r.GetAPIKeyByKeyID(ctx, keyID)
	if err != nil {
		return Principal{}, errors.New("unknown key id")
	}
	signedAt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Principal{}, errors.New("invalid signature timestamp")
	}
	skew := time.Since(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSignatureSkew {
		return Principal{}, errors.New("signature timestamp outside allowed window")
	}
	want := cloud.Signature(key.Secret, method, requestURI, ts, string(body))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return Principal{}, errors.New("signature mismatch")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_ = r.TouchAPIKey(ctx, key.ID, now)
	return Principal{Actor: key.KeyID, Source: "hmac"}, nil
}

func authenticateAPIKeyHeader(ctx context.Context, r repo.Repo, raw string) (Principal, error) {
	if strings.TrimSpace(raw) == "" {
		return Principal{}, errors.New("api key required")
	}
	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil {
		return Principal{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_ = r.TouchAPIKey(ctx, key.ID, now)
	return Principal{Actor: key.KeyID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	loginPath := path.Join(basePath, "auth/login")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == loginPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			scheme := ""
			if fields := strings.Fields(authz); len(fields) > 0 {
				scheme = fields[0]
			}

			switch {
			case strings.EqualFold(scheme, "hmac"):
				principal, err := authenticateHMAC(req.Context(), r, authz, req.Method, req.URL.RequestURI(), bodyBytes(req.Context()))
				if err != nil {
					cfg.logger().Printf("hmac auth rejected: %v", err)
					respondDetail(w, http.StatusUnauthorized, "Invalid signature")
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			case strings.EqualFold(scheme, "bearer"):
				token, _ := bearerToken(authz)
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondDetail(w, http.StatusUnauthorized, "Invalid credentials")
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			case strings.EqualFold(scheme, "basic"):
				username, password, _ := req.BasicAuth()
				principal, err := authenticateBasic(cfg, username, password)
				if err != nil {
					respondDetail(w, http.StatusUnauthorized, "Invalid credentials")
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			case strings.TrimSpace(req.Header.Get("X-Api-Key")) != "":
				principal, err := authenticateAPIKeyHeader(req.Context(), r, req.Header.Get("X-Api-Key"))
				if err != nil {
					respondDetail(w, http.StatusUnauthorized, "Invalid credentials")
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			default:
				respondDetail(w, http.StatusUnauthorized, "Authentication required")
			}
		})
	}
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
