package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bountyescrow/core/caller"
	"bountyescrow/crypto"
)

// CosignHeader carries additional bearer tokens for calls that need more than
// one principal, such as a batch lock spanning several depositors.
const CosignHeader = "X-Escrow-Cosign"

// maxCosigners bounds the work a single request can force on the verifier.
const maxCosigners = 16

// AuthConfig configures HMAC-signed bearer tokens whose subject is the
// caller's bech32 account.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Authenticate verifies the bearer token plus any cosign tokens and returns a
// context carrying every proven principal, primary first.
func (a *Authenticator) Authenticate(r *http.Request) (context.Context, *RPCError) {
	if len(a.secret) == 0 {
		return nil, &RPCError{Code: codeUnauthorized, Message: "RPC authentication not configured"}
	}
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return nil, &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	primary, err := a.subject(token)
	if err != nil {
		return nil, &RPCError{Code: codeUnauthorized, Message: "invalid token", Data: err.Error()}
	}
	principals := [][20]byte{primary}

	cosigns := r.Header.Values(CosignHeader)
	if len(cosigns) > maxCosigners {
		return nil, &RPCError{Code: codeUnauthorized, Message: "too many cosign tokens"}
	}
	for _, raw := range cosigns {
		addr, err := a.subject(extractBearer(raw))
		if err != nil {
			return nil, &RPCError{Code: codeUnauthorized, Message: "invalid cosign token", Data: err.Error()}
		}
		principals = append(principals, addr)
	}
	return caller.WithPrincipals(r.Context(), principals...), nil
}

// extractBearer accepts "Bearer <token>" or a bare token.
func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if strings.Contains(header, " ") {
		return ""
	}
	return header
}

func (a *Authenticator) subject(tokenString string) ([20]byte, error) {
	if tokenString == "" {
		return [20]byte{}, errors.New("empty token")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return [20]byte{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return [20]byte{}, errors.New("token invalid")
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return [20]byte{}, err
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return [20]byte{}, errors.New("subject required")
	}
	addr, err := crypto.ParseAddress(sub)
	if err != nil {
		return [20]byte{}, fmt.Errorf("subject: %w", err)
	}
	return addr, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

// IssueToken signs an HS256 token for subject valid for ttl.
func IssueToken(secret, issuer, audience string, subject [20]byte, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("rpc: signing secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": crypto.FormatAddress(subject),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}
