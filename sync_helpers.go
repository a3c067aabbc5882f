package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/ledgersync/internal/config"
	"github.com/tonimelisma/ledgersync/internal/envelope"
	"github.com/tonimelisma/ledgersync/internal/localstore"
	"github.com/tonimelisma/ledgersync/internal/syncclient"
	"github.com/tonimelisma/ledgersync/internal/tokenfile"
)

// clientSession bundles what a device-side command needs: credentials, the
// local store and a configured API client.
type clientSession struct {
	creds    *tokenfile.File
	local    *localstore.Store
	client   *syncclient.Client
	keys     *envelope.Watcher
	clientID string
}

// loadCredentials reads the credentials file and insists on a live token.
func loadCredentials(path string, now time.Time) (*tokenfile.File, error) {
	if path == "" {
		return nil, errors.New("client.credentials_file is not set")
	}

	creds, err := tokenfile.Load(path)
	if err != nil {
		return nil, err
	}

	if creds == nil {
		return nil, fmt.Errorf("no credentials at %s; run 'ledgersync token issue --user <id> --save' on the server host", path)
	}

	if creds.Expired(now) {
		return nil, fmt.Errorf("credentials at %s expired on %s; issue a new token", path, creds.Token.Expiry.Format(time.RFC3339))
	}

	return creds, nil
}

// resolveClientID picks the device identity: config first, then the
// credentials file, otherwise a fresh UUID persisted into the credentials
// file so later runs keep the same cursor record on the server.
func resolveClientID(cfg *config.ClientConfig, creds *tokenfile.File, logger *slog.Logger) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}

	if creds.ClientID != "" {
		return creds.ClientID
	}

	creds.ClientID = uuid.NewString()
	if err := tokenfile.Save(cfg.CredentialsFile, creds); err != nil {
		logger.Warn("could not persist generated client id",
			slog.String("client_id", creds.ClientID),
			slog.String("error", err.Error()),
		)
	}

	return creds.ClientID
}

// openClientSession wires the device side from the resolved config.
func openClientSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*clientSession, error) {
	creds, err := loadCredentials(cfg.Client.CredentialsFile, time.Now())
	if err != nil {
		return nil, err
	}

	if cfg.Client.StateDB == "" {
		return nil, errors.New("client.state_db is not set and no data directory could be determined")
	}

	serverURL := cfg.Client.ServerURL
	if serverURL == "" {
		serverURL = creds.ServerURL
	}

	if serverURL == "" {
		return nil, errors.New("client.server_url is not set")
	}

	var keys *envelope.Watcher

	if cfg.Crypto.Enabled {
		keys, err = envelope.NewWatcher(cfg.Crypto.KeyFile, logger)
		if err != nil {
			return nil, fmt.Errorf("loading key file: %w", err)
		}
	}

	local, err := localstore.Open(ctx, cfg.Client.StateDB, logger)
	if err != nil {
		return nil, err
	}

	httpClient := oauth2.NewClient(ctx, creds.TokenSource())

	return &clientSession{
		creds:    creds,
		local:    local,
		client:   syncclient.NewClient(serverURL, httpClient, cfg.Client.RequestTimeoutDuration(), logger),
		keys:     keys,
		clientID: resolveClientID(&cfg.Client, creds, logger),
	}, nil
}

func (s *clientSession) Close() error {
	return s.local.Close()
}

// manager builds a sync manager over the session.
func (s *clientSession) manager(cfg *config.ClientConfig, onProgress func(syncclient.Progress), logger *slog.Logger) *syncclient.Manager {
	opts := syncclient.Options{
		ClientID:        s.clientID,
		PushBatchSize:   cfg.PushBatchSize,
		PullLimit:       cfg.PullLimit,
		PollInterval:    cfg.PollIntervalDuration(),
		TriggerInterval: cfg.TriggerRateDuration(),
		OnProgress:      onProgress,
	}

	if s.keys != nil {
		opts.Encrypt = true
		opts.Keys = s.keys
	}

	return syncclient.NewManager(s.client, s.local, opts, logger)
}

// subscriber builds the change-notification listener for watch mode.
func (s *clientSession) subscriber(logger *slog.Logger) *syncclient.Subscriber {
	return syncclient.NewSubscriber(s.client.BaseURL(), s.creds.TokenSource(), logger)
}
