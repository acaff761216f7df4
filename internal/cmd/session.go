package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/chebizarro/nostrdm/internal/config"
	"github.com/chebizarro/nostrdm/internal/dm"
	"github.com/chebizarro/nostrdm/internal/events"
	"github.com/chebizarro/nostrdm/internal/keystore"
	"github.com/chebizarro/nostrdm/internal/keysync"
	"github.com/chebizarro/nostrdm/internal/log"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
	"github.com/chebizarro/nostrdm/internal/storage"
	"github.com/chebizarro/nostrdm/internal/telemetry"
)

// session holds everything one command invocation needs.
type session struct {
	cfg       *config.NostrConfig
	pool      *gtnostr.RelayPool
	signer    gtnostr.Signer
	publisher *gtnostr.Publisher
	store     storage.Backend
	events    *events.Client
	keys      *keystore.Store
	registry  *gtnostr.DeviceRegistry
	primary   *keysync.Primary
	dm        *dm.Service

	shutdownTelemetry telemetry.Shutdown
}

func loadConfig() (*config.NostrConfig, error) {
	dir := dataDir
	if dir == "" {
		dir = config.DefaultDataDir()
	}
	path := configPath
	if path == "" {
		path = config.NostrConfigPath(dir)
	}
	cfg, err := config.LoadNostrConfig(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// openSession loads configuration and connects every component. Each
// invocation gets a session id in its log lines.
func openSession(ctx context.Context) (*session, error) {
	log.SetLogger(log.L().With(zap.String("session", uuid.NewString())))

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	s := &session{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.shutdownTelemetry, err = telemetry.Init(ctx, "nostrdm")
	if err != nil {
		log.Warn("metrics export disabled", zap.Error(err))
	}

	s.signer, err = resolveSigner(ctx, cfg)
	if err != nil {
		return nil, err
	}
	account := s.signer.GetPublicKey()

	s.pool, err = gtnostr.NewRelayPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.publisher = gtnostr.NewPublisher(s.signer, s.pool, gtnostr.NewSpool(cfg.DataDir))

	s.store, err = storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.events, err = events.NewClient(s.pool, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	s.keys = keystore.New(s.store, s.pool)

	s.registry = gtnostr.NewDeviceRegistry(gtnostr.DeviceRegistryPath(cfg.DataDir, account))
	if err := s.registry.Load(); err != nil {
		return nil, err
	}
	s.primary = keysync.NewPrimary(keysync.PrimaryConfig{
		Account:  account,
		Signer:   s.signer,
		Relays:   s.pool,
		Keys:     s.keys,
		Registry: s.registry,
		Window:   cfg.SyncWindow.Duration,
	})

	s.dm, err = dm.NewService(dm.Config{
		Publisher:   s.publisher,
		Relays:      s.pool,
		Events:      s.events,
		Keys:        s.keys,
		Storage:     s.store,
		Sync:        s.primary,
		BatchWindow: cfg.BatchWindow.Duration,
	})
	if err != nil {
		return nil, err
	}

	if sent, failed, err := s.publisher.DrainSpool(ctx); err != nil {
		log.Warn("draining spool", zap.Error(err))
	} else if sent > 0 || failed > 0 {
		log.Info("drained spool", zap.Int("sent", sent), zap.Int("failed", failed))
	}

	ok = true
	return s, nil
}

func (s *session) account() string {
	return s.signer.GetPublicKey()
}

// Close releases every component. Safe on a partially opened session.
func (s *session) Close() {
	if s.primary != nil {
		s.primary.Stop()
	}
	if s.publisher != nil {
		_ = s.publisher.Close()
	} else if s.signer != nil {
		_ = s.signer.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.shutdownTelemetry != nil {
		_ = s.shutdownTelemetry(context.Background())
	}
}

// resolveSigner picks the bunker, then the configured secret key, then a
// terminal prompt.
func resolveSigner(ctx context.Context, cfg *config.NostrConfig) (gtnostr.Signer, error) {
	if cfg.Signer.Bunker != "" {
		signer, err := gtnostr.NewNIP46Signer(ctx, cfg.Signer.Bunker)
		if err != nil {
			return nil, err
		}
		return signer, nil
	}
	if cfg.Signer.SecretKey != "" {
		return localSigner(cfg.Signer.SecretKey)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no signer configured: set NOSTRDM_BUNKER or NOSTRDM_SECRET_KEY")
	}
	fmt.Fprint(os.Stderr, "Secret key (nsec or hex): ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading secret key: %w", err)
	}
	return localSigner(strings.TrimSpace(string(secret)))
}

func localSigner(key string) (gtnostr.Signer, error) {
	signer, err := gtnostr.NewLocalSigner(key)
	if err != nil {
		return nil, err
	}
	return signer, nil
}
