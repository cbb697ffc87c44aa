// Package agent assembles one authlink context: token service, session
// lifecycle, security scoring and peer sync, constructed once at startup and
// passed explicitly. There are no package-level singletons; tests run any
// number of independent agents in one process.
package agent

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/config"
	"github.com/mkoval/authlink/internal/filex"
	"github.com/mkoval/authlink/internal/identity"
	"github.com/mkoval/authlink/internal/logging"
	"github.com/mkoval/authlink/internal/metrics"
	"github.com/mkoval/authlink/internal/msgauth"
	"github.com/mkoval/authlink/internal/nonce"
	"github.com/mkoval/authlink/internal/peersync"
	"github.com/mkoval/authlink/internal/security"
	"github.com/mkoval/authlink/internal/session"
	"github.com/mkoval/authlink/internal/timex"
	"github.com/mkoval/authlink/internal/token"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg      *config.Config
	log      logging.Logger
	registry *prometheus.Registry

	db       *sql.DB
	tokens   *token.Service
	enhancer *security.Enhancer
	manager  *session.Manager
	nonces   *nonce.Store
	protocol *peersync.Protocol
	identity identity.Client

	transport peersync.Transport
}

func NewApp(ctx context.Context, cfg *config.Config, log logging.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	clock := timex.Real()

	if _, err := filex.EnsureParentDir(cfg.SigningKeyPath); err != nil {
		return nil, fmt.Errorf("signing key directory: %w", err)
	}
	key, err := token.LoadOrGenerateKey(cfg.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("token signing key: %w", err)
	}
	publicPEM, err := token.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	tokens := token.NewService(key, token.Options{
		Issuer:             "authlink",
		Audience:           cfg.AppID,
		AccessTTL:          cfg.AccessTTL,
		RefreshTTL:         cfg.RefreshTTL,
		RequireFingerprint: true,
		Metrics:            collector,
	})

	if _, err := filex.EnsureParentDir(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("database directory: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	if err := session.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("session schema: %w", err)
	}
	store := session.NewSQLiteStore(db, cfg.StorageNamespace, []byte(cfg.StoragePassword))

	enhancer := security.NewEnhancer(security.Options{
		ValidateIP:   cfg.ValidateIP,
		ScoreCeiling: cfg.ScoreCeiling,
		Metrics:      collector,
	}, log)

	idc, err := identity.NewHTTPClient(identity.Options{BaseURL: cfg.IdentityURL, Logger: log})
	if err != nil {
		db.Close()
		return nil, err
	}

	manager := session.NewManager(store, tokens, enhancer, clock, log, session.Options{
		RefreshThreshold: cfg.RefreshThreshold,
		ActivityTimeout:  cfg.ActivityTimeout,
		SweepInterval:    cfg.SweepInterval,
		Fallback: func(ctx context.Context) (*token.Pair, error) {
			sess, err := idc.Refresh(ctx)
			if err != nil {
				return nil, err
			}
			if sess == nil || sess.TokenPair == nil {
				return nil, common.ErrUnauthorized
			}
			return sess.TokenPair, nil
		},
	})

	syncKey, err := syncKeyFromConfig(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	transport, err := dialTransport(ctx, cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	peers := peersync.NewRegistry()
	for _, a := range cfg.TrustedApps {
		peers.Register(peersync.TrustedApp{AppID: a.AppID, Origin: a.Origin, Permissions: a.Permissions})
	}

	nonces := nonce.NewStore(cfg.MaxMessageAge, 0, log, collector)
	protocol := peersync.NewProtocol(peers, msgauth.NewAuthenticator(syncKey), nonces, transport, clock, log, peersync.Options{
		AppID:          cfg.AppID,
		Origin:         cfg.Origin,
		PublicKeyPEM:   string(publicPEM),
		MaxMessageAge:  cfg.MaxMessageAge,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        collector,
		Snapshot:       manager.Current,
		Apply: func(ctx context.Context, event string, sess *session.Session) error {
			switch {
			case event == string(session.EventCleared), event == string(session.EventExpired):
				manager.Clear(ctx)
				return nil
			case sess == nil:
				return nil
			default:
				return manager.Save(ctx, sess, security.Observation{At: clock.Now()})
			}
		},
	})

	return &App{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		db:        db,
		tokens:    tokens,
		enhancer:  enhancer,
		manager:   manager,
		nonces:    nonces,
		protocol:  protocol,
		identity:  idc,
		transport: transport,
	}, nil
}

// syncKeyFromConfig decodes the shared sync key; a missing key yields a
// random one, which effectively limits the agent to single-context
// operation: nobody else can verify its messages.
func syncKeyFromConfig(cfg *config.Config) ([]byte, error) {
	if cfg.SyncKeyHex == "" {
		return common.GenerateRandByteArray(32), nil
	}
	key, err := hex.DecodeString(cfg.SyncKeyHex)
	if err != nil {
		return nil, fmt.Errorf("sync key is not valid hex: %w", err)
	}
	return key, nil
}

func dialTransport(ctx context.Context, cfg *config.Config, log logging.Logger) (peersync.Transport, error) {
	if cfg.RelayURL == "" {
		return peersync.NewLoopback().Endpoint(), nil
	}
	return peersync.DialRelay(ctx, cfg.RelayURL, log)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the agent and blocks until the context is cancelled or a
// signal arrives. Shutdown cancels every timer before releasing state.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.log.Info(ctx, "starting agent", "app_id", app.cfg.AppID, "listen", app.cfg.ListenAddr)
	app.initSignalHandler(cancelFunc)

	app.protocol.Start()
	app.manager.Start()

	// A persisted session survives restarts; when none can be resumed,
	// try adopting one from a peer context.
	if err := app.manager.Resume(ctx, security.Observation{At: time.Now()}); err != nil {
		app.log.Warn(ctx, "session resume failed", "err", err)
	}
	if app.manager.Current() == nil {
		if sess, err := app.protocol.RequestSession(ctx); err == nil && sess != nil {
			if err := app.manager.Save(ctx, sess, security.Observation{At: time.Now()}); err != nil {
				app.log.Warn(ctx, "peer session not adopted", "err", err)
			}
		}
	}

	if err := app.protocol.AnnounceKey(ctx); err != nil {
		app.log.Warn(ctx, "key announcement failed", "err", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.nonces.Run(ctx, time.Minute)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.protocol.Run(ctx, app.manager.Bus())
	}()

	srv := &http.Server{Addr: app.cfg.ListenAddr, Handler: app.Router()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.Error(ctx, "http server failed", "err", err)
			cancelFunc()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.log.Warn(ctx, "http shutdown", "err", err)
	}

	app.manager.Close()
	app.protocol.Close()
	if err := app.transport.Close(); err != nil {
		app.log.Warn(ctx, "transport close", "err", err)
	}
	err := app.db.Close()

	wg.Wait()
	app.log.Info(ctx, "agent stopped")
	return err
}
