package routing

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/httputil"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/matrix-org/gomatrixserverlib/spec"
	mxutil "github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"
	"maunium.net/go/mautrix/id"
)

// Authenticator maps a dashboard request to the account making it.
type Authenticator interface {
	Authenticate(req *http.Request) (id.UserID, *mxutil.JSONResponse)
}

// TokenResolver resolves an end-user access token to its account.
type TokenResolver interface {
	WhoAmI(ctx context.Context, accessToken string) (id.UserID, error)
}

// MatrixAuthenticator accepts the caller's own Matrix access token and
// asks the homeserver who it belongs to. Answers are cached briefly.
type MatrixAuthenticator struct {
	resolver TokenResolver
	tokens   *cache.Cache
}

func NewMatrixAuthenticator(resolver TokenResolver, ttl time.Duration) *MatrixAuthenticator {
	return &MatrixAuthenticator{
		resolver: resolver,
		tokens:   cache.New(ttl, 2*ttl),
	}
}

func (a *MatrixAuthenticator) Authenticate(req *http.Request) (id.UserID, *mxutil.JSONResponse) {
	token := httputil.TokenFromRequest(req)
	if token == "" {
		return "", &mxutil.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MissingToken("Missing access token"),
		}
	}
	key := tokenKey(token)
	if cached, ok := a.tokens.Get(key); ok {
		return cached.(id.UserID), nil
	}
	userID, err := a.resolver.WhoAmI(req.Context(), token)
	if err != nil {
		if status := homeserver.StatusCode(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
			return "", &mxutil.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.UnknownToken("Unknown access token"),
			}
		}
		mxutil.GetLogger(req.Context()).WithError(err).Error("Failed to resolve access token")
		return "", &mxutil.JSONResponse{
			Code: http.StatusBadGateway,
			JSON: spec.Unknown("Could not reach the homeserver"),
		}
	}
	userID = util.NormalizeUserID(userID)
	a.tokens.SetDefault(key, userID)
	return userID, nil
}

// tokenKey is the cache key for an access token. Raw tokens are never
// stored.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}
