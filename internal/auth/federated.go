package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"aiedu.app/tutor/internal/utils"
)

const providerGoogle = "google"

var (
	ErrFederatedDisabled = errors.New("federated sign-in is not configured")
	// ErrFederatedCancelled means the user closed the consent screen. It is not shown to the user.
	ErrFederatedCancelled = errors.New("federated sign-in cancelled")
)

// Federated signs users in through Google's OAuth consent screen.
type Federated struct {
	config *oauth2.Config
	// userinfoEndpoint overrides the userinfo API base URL.
	userinfoEndpoint string
}

func NewGoogleFederated(clientID, clientSecret, redirectURL string) *Federated {
	return &Federated{config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{oauth2api.UserinfoEmailScope, oauth2api.UserinfoProfileScope},
	}}
}

type profile struct {
	Email string
	Name  string
}

func (f *Federated) profile(ctx context.Context, code string) (profile, error) {
	tok, err := f.config.Exchange(ctx, code)
	if err != nil {
		return profile{}, fmt.Errorf("exchange code: %w", err)
	}

	opts := []option.ClientOption{option.WithTokenSource(f.config.TokenSource(ctx, tok))}
	if f.userinfoEndpoint != "" {
		opts = append(opts, option.WithEndpoint(f.userinfoEndpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return profile{}, fmt.Errorf("create userinfo client: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	return profile{Email: info.Email, Name: info.Name}, nil
}

// FederatedURL is the consent screen address the browser is sent to.
func (p *Provider) FederatedURL(state string) (string, error) {
	if p.federated == nil {
		return "", ErrFederatedDisabled
	}
	return p.federated.config.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// CompleteFederated finishes a federated sign-in with the code from the callback.
// An empty code means the consent screen was dismissed.
func (p *Provider) CompleteFederated(ctx context.Context, code string) (*Session, error) {
	if p.federated == nil {
		return nil, ErrFederatedDisabled
	}
	if code == "" {
		return nil, ErrFederatedCancelled
	}

	prof, err := p.federated.profile(ctx, code)
	if err != nil {
		p.logger.Error().Err(err).Msg("federated sign-in failed")
		return nil, p.fail("federated", err)
	}
	email, err := normalizeEmail(prof.Email)
	if err != nil {
		return nil, p.fail("federated", err)
	}
	name := strings.TrimSpace(utils.FirstNonEmpty(prof.Name, email))

	u, err := p.users.GetOrCreateFederatedUser(ctx, email, name, providerGoogle)
	if err != nil {
		p.logger.Error().Err(err).Str("email", email).Msg("failed to load federated user")
		return nil, p.fail("federated", fmt.Errorf("federated user: %w", err))
	}
	return p.issue("federated", u)
}
