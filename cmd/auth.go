package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/server"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
)

const loginTimeout = 2 * time.Minute

// AuthLogin performs the authorization code flow with PKCE.
//
// Starts a local callback server at the configured redirect URI, opens the browser on the consent page and stores
// the granted refresh credential in the vault under the catalog account's id.
func (r *Runner) AuthLogin(ctx context.Context, cmd *cli.Command) error {
	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.config.Catalog.ClientID == "" || a.config.Catalog.AuthURL == "" {
		return fmt.Errorf("%w: catalog.client_id and catalog.auth_url must be set", shared.ErrInvalidConfig)
	}

	token, err := r.doOAuth(ctx, a, cmd.Duration("timeout"))
	if err != nil {
		return err
	}

	user, err := r.completeLogin(ctx, a, token)
	if err != nil {
		return err
	}

	r.writePlainln("✓ Authorization successful")
	r.writePlain("✓ Refresh credential stored for %s (%s)\n\n", user.ID, user.DisplayName)
	r.writePlain("Run 'libsync worker' to start syncing, or 'libsync sync run --user %s --resource tracks'.\n", user.ID)
	return nil
}

func (r *Runner) doOAuth(ctx context.Context, a *app, timeout time.Duration) (*oauth2.Token, error) {
	redirect, err := url.Parse(a.config.Catalog.RedirectURI)
	if err != nil || redirect.Host == "" {
		return nil, fmt.Errorf("%w: catalog.redirect_uri %q is not an absolute URL", shared.ErrInvalidConfig, a.config.Catalog.RedirectURI)
	}

	state := shared.GenerateID()
	verifier := oauth2.GenerateVerifier()
	authURL := a.tokens.AuthCodeURL(state, verifier)

	oauthHandler := server.NewOAuthHandler(a.tokens, redirect.Path, state, verifier)
	router := server.NewBasicRouter()
	router.Use(server.Recoverer(r.logger))
	router.Handler(oauthHandler)

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", redirect.Host, err)
	}

	httpServer := server.New(redirect.Host, router)
	serverErrors := make(chan error, 1)
	go func() {
		r.logger.Infof("starting OAuth callback server at %v", redirect.Host)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("error shutting down server", "error", err)
		}
	}()

	r.writePlain("→ Opening browser for authorization...\n")
	if err := r.openBrowser(authURL); err != nil {
		r.logger.Warnf("failed to open browser automatically %v", err)
		r.writePlainln("⚠ Could not open browser automatically.")
		r.writePlain("Please open this URL in your browser:\n%s\n\n", authURL)
	}

	if timeout <= 0 {
		timeout = loginTimeout
	}
	r.writePlain("→ Waiting for authorization (%s timeout)...\n", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result server.OAuthResult
	select {
	case result = <-oauthHandler.Result():
	case err := <-serverErrors:
		return nil, fmt.Errorf("server error: %w", err)
	case <-timer.C:
		return nil, fmt.Errorf("authorization timed out after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if result.Error() != nil {
		return nil, fmt.Errorf("authorization failed: %w", result.Error())
	}
	if result.Token == nil {
		return nil, fmt.Errorf("authorization failed: no token received")
	}
	return result.Token, nil
}

// completeLogin identifies the account behind token, creates its user and stores the credential pair.
func (r *Runner) completeLogin(ctx context.Context, a *app, token *oauth2.Token) (*models.User, error) {
	me, err := a.api.Me(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to identify account: %w", err)
	}

	user, err := a.users.Upsert(ctx, me.ID, me.DisplayName)
	if err != nil {
		return nil, err
	}
	if err := a.vault.Set(ctx, user.ID, token.RefreshToken); err != nil {
		return nil, err
	}

	scope, _ := token.Extra("scope").(string)
	if err := a.vault.CacheAccess(ctx, user.ID, token.AccessToken, token.Expiry, scope); err != nil {
		r.logger.Warn("failed to cache access token", "user", user.ID, "error", err)
	}

	r.logger.Info("credential stored", "user", user.ID)
	return user, nil
}

// VaultSet stores a refresh credential supplied on the command line or stdin.
func (r *Runner) VaultSet(ctx context.Context, cmd *cli.Command) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}

	refresh := cmd.String("refresh-token")
	if refresh == "" {
		if refresh, err = readSecret(os.Stdin); err != nil {
			return err
		}
	}
	if refresh == "" {
		return fmt.Errorf("%w: refresh credential is empty", shared.ErrMissingArgument)
	}

	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	name := cmd.String("name")
	if existing, err := a.users.Get(ctx, userID); err == nil && name == "" {
		name = existing.DisplayName
	}
	if _, err := a.users.Upsert(ctx, userID, name); err != nil {
		return err
	}
	if err := a.vault.Set(ctx, userID, refresh); err != nil {
		return err
	}

	r.writePlain("✓ Credential stored for %s (key version %d)\n", userID, a.vault.KeyVersion())
	return nil
}

func readSecret(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Users lists every known user and whether it has a stored credential.
func (r *Runner) Users(ctx context.Context, cmd *cli.Command) error {
	a, err := r.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	users, err := a.users.List(ctx)
	if err != nil {
		return err
	}
	syncable, err := a.users.ListSyncable(ctx)
	if err != nil {
		return err
	}

	hasCredential := make(map[string]bool, len(syncable))
	for _, u := range syncable {
		hasCredential[u.ID] = true
	}

	type userRow struct {
		*models.User
		Syncable bool `json:"syncable"`
	}
	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		rows = append(rows, userRow{User: u, Syncable: hasCredential[u.ID]})
	}

	if cmd.Bool("json") {
		return r.writeJSON(rows, true)
	}

	if len(rows) == 0 {
		r.writePlain("No users. Run 'libsync auth login' or 'libsync vault set'.\n")
		return nil
	}
	for _, row := range rows {
		mark := "✗"
		if row.Syncable {
			mark = "✓"
		}
		r.writePlain("%s %s\t%s\n", mark, row.ID, row.DisplayName)
	}
	return nil
}
