package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"study-init/backend/internal/config"
	"study-init/backend/internal/hub"
	"study-init/backend/internal/repository"
	"study-init/backend/pkg/models"
)

// DevUser is the principal used when auth is bypassed in DEV.
const DevUser = "dev@localhost"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// StudyLookup reports whether a study exists.
type StudyLookup interface {
	GetInitState(ctx context.Context, studyID string) (*models.StudyInitState, error)
}

// Principal is the authenticated caller.
type Principal struct {
	UserID  string
	Subject string
	Email   string
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by RequireAuth.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Auth verifies OpenID Connect tokens issued by an Okta tenant and decides
// which studies a caller may watch.
type Auth struct {
	endpoint    oauth2.Endpoint
	verifier    *oidc.IDTokenVerifier
	apiVerifier *oidc.IDTokenVerifier
	access      repository.AccessChecker
	studies     StudyLookup
	logger      Logger
	authBypass  bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares
// the token verifiers.
func New(ctx context.Context, cfg *config.Config, access repository.AccessChecker, studies StudyLookup, logger Logger) (*Auth, error) {
	shouldBypass := cfg.IsDev() && cfg.DevModeBypass

	a := &Auth{
		access:     access,
		studies:    studies,
		logger:     logger,
		authBypass: shouldBypass,
	}
	if shouldBypass {
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}
	a.endpoint = provider.Endpoint()
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens carry the API audience, not the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// Endpoint returns the provider's OAuth2 endpoints. It is empty when auth
// is bypassed.
func (a *Auth) Endpoint() oauth2.Endpoint {
	return a.endpoint
}

// Authenticate resolves the caller of a request. Credentials are taken, in
// order, from the Authorization bearer header, the token query parameter
// (browsers cannot set headers on websocket upgrades) and the id_token
// session cookie.
func (a *Auth) Authenticate(r *http.Request) (*Principal, error) {
	if a.authBypass {
		return &Principal{UserID: DevUser, Subject: DevUser, Email: DevUser}, nil
	}

	var (
		token *oidc.IDToken
		err   error
	)
	switch {
	case strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "):
		token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	case r.URL.Query().Get("token") != "":
		token, err = a.apiVerifier.Verify(r.Context(), r.URL.Query().Get("token"))
	default:
		cookie, cerr := r.Cookie("id_token")
		if cerr != nil || cookie.Value == "" {
			return nil, hub.ErrNoCredential
		}
		token, err = a.verifier.Verify(r.Context(), cookie.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hub.ErrInvalidCredential, err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse token claims: %v", hub.ErrInvalidCredential, err)
	}
	p := &Principal{UserID: claims.Email, Subject: token.Subject, Email: claims.Email}
	if p.UserID == "" {
		p.UserID = token.Subject
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: token has no subject", hub.ErrInvalidCredential)
	}
	return p, nil
}

// UserID authenticates a request and returns the caller's user id.
func (a *Auth) UserID(r *http.Request) (string, error) {
	p, err := a.Authenticate(r)
	if err != nil {
		return "", err
	}
	return p.UserID, nil
}

// AuthorizeStudy is the admission predicate for study-scoped access. It
// returns hub.ErrStudyNotFound or hub.ErrForbidden.
func (a *Auth) AuthorizeStudy(ctx context.Context, userID, studyID string) error {
	if _, err := a.studies.GetInitState(ctx, studyID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return hub.ErrStudyNotFound
		}
		return err
	}
	if a.authBypass {
		return nil
	}
	ok, err := a.access.CanAccessStudy(ctx, userID, studyID)
	if err != nil {
		return err
	}
	if !ok {
		return hub.ErrForbidden
	}
	return nil
}

// RequireAuth is middleware that rejects requests without a valid
// credential and stores the principal in the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			if a.logger != nil {
				a.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
			}
			writeUnauthorized(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="study-init"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(models.ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(http.StatusUnauthorized),
		Status:   http.StatusUnauthorized,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	})
}
