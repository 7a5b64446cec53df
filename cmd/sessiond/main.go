// Command sessiond runs the session core as a standalone daemon: it wires a
// store, an identity provider, the audit logger, and the session manager,
// restores any persisted session, and shuts the pair down cleanly on SIGTERM.
// It exists for local development and as a wiring reference for embedders.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"

	"github.com/campuskit/sessioncore/activity"
	"github.com/campuskit/sessioncore/audit"
	"github.com/campuskit/sessioncore/clock"
	"github.com/campuskit/sessioncore/identity"
	"github.com/campuskit/sessioncore/identity/identityfake"
	"github.com/campuskit/sessioncore/identity/oidcprovider"
	"github.com/campuskit/sessioncore/internal/config"
	"github.com/campuskit/sessioncore/internal/logging"
	"github.com/campuskit/sessioncore/session"
	"github.com/campuskit/sessioncore/storage"
	"github.com/campuskit/sessioncore/storage/badgerstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running sessiond: %s\n", err)
	}
	log.Printf("sessiond stopped\n")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	displayAppname("sessiond")

	store, closeStore, err := openStore(cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer closeStore()

	clk := clock.NewSystem()

	auditLog, err := audit.NewLogger(store, clk,
		audit.WithBufferCap(cfg.Audit.BufferCap),
		audit.WithFlushInterval(cfg.Audit.FlushInterval),
		audit.WithMaxSegmentBytes(cfg.Audit.MaxSegmentBytes),
	)
	if err != nil {
		return errors.Wrap(err, "build audit logger")
	}
	defer auditLog.Destroy()

	provider, profiles, err := buildProvider(cfg.Provider)
	if err != nil {
		return errors.Wrap(err, "build identity provider")
	}

	options := []session.ManagerOption{session.WithConfig(cfg.Session)}
	if cfg.Storage.SealKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Storage.SealKey)
		if err != nil {
			return errors.Wrap(err, "decode seal key")
		}
		sealer, err := session.NewSealer(key)
		if err != nil {
			return errors.Wrap(err, "build sealer")
		}
		options = append(options, session.WithSealer(sealer))
	}

	manager, err := session.NewManager(session.Deps{
		Provider: provider,
		Profiles: profiles,
		Store:    store,
		Audit:    auditLog,
		Clock:    clk,
		Activity: activity.NewBus(),
	}, options...)
	if err != nil {
		return errors.Wrap(err, "build session manager")
	}
	defer manager.Close()

	manager.Restore(context.Background())

	remove := manager.AddListener(func(snap *session.Snapshot) {
		if snap == nil {
			logging.Info().Msg("session ended")
			return
		}
		logging.Info().Str("user", snap.User.ID).Str("role", string(snap.User.Role)).Msg("session active")
	})
	defer remove()

	waitForStopSignal()
	return nil
}

// openStore selects the storage backend from configuration.
func openStore(cfg config.StorageConfig) (storage.Store, func(), error) {
	switch cfg.Backend {
	case "badger":
		s, err := badgerstore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logging.Error().Err(err).Msg("closing badger store")
			}
		}, nil
	case "memory", "":
		return storage.NewMemory(), func() {}, nil
	default:
		return nil, nil, errors.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// buildProvider selects the identity provider from configuration. The fake
// provider ships a demo admin account.
func buildProvider(cfg config.ProviderConfig) (identity.Provider, identity.ProfileStore, error) {
	switch cfg.Mode {
	case "oidc":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p, err := oidcprovider.New(ctx, oidcprovider.Config{
			IssuerURL:     cfg.IssuerURL,
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			Scopes:        cfg.Scopes,
			RevocationURL: cfg.RevocationURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case "fake", "":
		provider := identityfake.NewFakeProvider()
		provider.AddUser("admin@example.edu", "admin-password", identity.Identity{
			ID:    "demo-admin",
			Email: "admin@example.edu",
			Claims: map[string]string{
				"name": "Demo Admin",
				"role": string(identity.RoleAdmin),
			},
		})

		profiles := identityfake.NewFakeProfileStore()
		profiles.AddProfile(&identity.Profile{
			ID:          "demo-admin",
			Email:       "admin@example.edu",
			Role:        identity.RoleAdmin,
			DisplayName: "Demo Admin",
		})
		return provider, profiles, nil
	default:
		return nil, nil, errors.Errorf("unknown provider mode %q", cfg.Mode)
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
