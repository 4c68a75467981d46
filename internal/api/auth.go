package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-desk/internal/model"
)

type contextKey string

const callerKey contextKey = "caller"

// Authenticator verifies HMAC-signed bearer tokens. The token subject is the
// caller identity.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an Authenticator. An empty issuer accepts tokens
// from any issuer.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for subject valid for ttl.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return signed, eris.Wrap(err, "auth: sign token")
}

// Verify validates tokenString and returns its subject.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", eris.New("auth: token is empty")
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, eris.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", eris.Wrap(err, "auth: parse token")
	}
	if !token.Valid {
		return "", eris.New("auth: token is not valid")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", eris.New("auth: token has no subject")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Fields(r.Header.Get("Authorization"))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, model.ErrNotAuthenticated)
			return
		}
		subject, err := a.Verify(parts[1])
		if err != nil {
			writeError(w, model.ErrNotAuthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, subject)))
	})
}

// Caller returns the authenticated caller identity, or "" when there is none.
func Caller(ctx context.Context) string {
	s, _ := ctx.Value(callerKey).(string)
	return s
}
