package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/model"
)

// GoogleAuth hands out cached per-user token sources for Google APIs
type GoogleAuth struct {
	oauth   *oauth2.Config
	extra   []option.ClientOption
	mu      sync.Mutex
	sources map[uint]oauth2.TokenSource
}

// NewGoogleAuth creates the shared OAuth2 client. extra options are appended
// to every API service and are used to point the services at test servers.
func NewGoogleAuth(cfg config.GoogleConfig, extra ...option.ClientOption) *GoogleAuth {
	return &GoogleAuth{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes: []string{
				gmail.GmailModifyScope,
				gmail.GmailSendScope,
				calendar.CalendarReadonlyScope,
			},
			Endpoint:    google.Endpoint,
			RedirectURL: cfg.RedirectURL,
		},
		extra:   extra,
		sources: make(map[uint]oauth2.TokenSource),
	}
}

// ClientOptions returns the service options authenticating as user
func (a *GoogleAuth) ClientOptions(user *model.User) ([]option.ClientOption, error) {
	if user.RefreshToken == "" {
		return nil, apperror.Permanent("google.auth", errors.New("user has no refresh token"))
	}

	a.mu.Lock()
	ts, ok := a.sources[user.ID]
	if !ok {
		// token refreshes outlive any single request
		ts = oauth2.ReuseTokenSource(nil, a.oauth.TokenSource(context.Background(), &oauth2.Token{
			RefreshToken: user.RefreshToken,
		}))
		a.sources[user.ID] = ts
	}
	a.mu.Unlock()

	opts := []option.ClientOption{option.WithTokenSource(ts)}
	return append(opts, a.extra...), nil
}

// AuthCodeURL returns the consent page that grants offline access to the
// scopes every Gmail user needs
func (a *GoogleAuth) AuthCodeURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token carrying the refresh
// token stored on User.RefreshToken
func (a *GoogleAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, ClassifyGoogleError("google.exchange", err)
	}
	if tok.RefreshToken == "" {
		return nil, apperror.Permanent("google.exchange", errors.New("no refresh token granted"))
	}
	return tok, nil
}

// Forget drops a cached token source, e.g. after the refresh token changed
func (a *GoogleAuth) Forget(userID uint) {
	a.mu.Lock()
	delete(a.sources, userID)
	a.mu.Unlock()
}

// ClassifyGoogleError maps Google API and OAuth failures onto the error taxonomy
func ClassifyGoogleError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return apperror.Transient(op, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return apperror.Permanent(op, err)
		}
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return apperror.Permanent(op, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperror.Transient(op, err)
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
