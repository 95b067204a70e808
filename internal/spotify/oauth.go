// SPDX-License-Identifier: MIT

package spotify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Scopes the daemon requests: playback observation and control, library
// read/write, and history.
var Scopes = []string{
	"user-read-playback-state",
	"user-modify-playback-state",
	"user-library-read",
	"user-library-modify",
	"user-read-recently-played",
}

func (c *Client) oauthConfig(redirect string) *oauth2.Config {
	id, secret := c.auth.Credentials()
	return &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		RedirectURL:  redirect,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.accountsURL + "/authorize",
			TokenURL:  c.accountsURL + "/api/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// AuthorizationURL builds the consent URL the shell opens in a browser.
// force adds show_dialog so the upstream re-prompts an already-consented
// user.
func (c *Client) AuthorizationURL(redirect, state string, force bool) string {
	cfg := c.oauthConfig(redirect)
	opts := []oauth2.AuthCodeOption{}
	if force {
		opts = append(opts, oauth2.SetAuthURLParam("show_dialog", "true"))
	}
	return cfg.AuthCodeURL(state, opts...)
}

// ExchangeCode swaps the authorization code for tokens and hands them to
// the token manager.
func (c *Client) ExchangeCode(ctx context.Context, code, redirect string) error {
	cfg := c.oauthConfig(redirect)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("code exchange: %w", err)
	}

	expiresIn := int(time.Until(tok.Expiry).Seconds())
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	if err := c.auth.Set(tok.AccessToken, tok.RefreshToken, expiresIn); err != nil {
		return fmt.Errorf("store exchanged tokens: %w", err)
	}

	c.logger.Info().
		Str("event", "spotify.oauth.exchanged").
		Msg("authorization code exchanged for tokens")
	return nil
}
