package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skobkin/fieldsync/internal/activity"
	"github.com/skobkin/fieldsync/internal/api"
	"github.com/skobkin/fieldsync/internal/auth"
	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/config"
	"github.com/skobkin/fieldsync/internal/connectivity"
	"github.com/skobkin/fieldsync/internal/connectors"
	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/duplex"
	"github.com/skobkin/fieldsync/internal/logging"
	"github.com/skobkin/fieldsync/internal/messaging"
	"github.com/skobkin/fieldsync/internal/notifications"
	"github.com/skobkin/fieldsync/internal/offline"
	"github.com/skobkin/fieldsync/internal/persistence"
	"github.com/skobkin/fieldsync/internal/platform"
	"github.com/skobkin/fieldsync/internal/prefs"
	"github.com/skobkin/fieldsync/internal/reqcache"
	"github.com/skobkin/fieldsync/internal/transport"
	"github.com/skobkin/fieldsync/internal/ttlcache"
)

// Options tune Initialize. The zero value resolves paths from the user config dir.
type Options struct {
	// RootDir overrides the resolved application directory.
	RootDir string
	// Offline pins connectivity to offline instead of probing the health endpoint.
	Offline bool
	Sender  notifications.Sender
	// HTTPClient is used for request/response calls and the activity stream.
	HTTPClient *http.Client
}

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	Metrics    *prometheus.Registry

	KV          persistence.KV
	kvCloser    io.Closer
	storeLock   platform.StoreLock
	WriterQueue *persistence.WriterQueue

	Auth         *auth.Manager
	Diagnostics  *transport.Diagnostics
	Resilient    *transport.Resilient
	Gate         *reqcache.Gate
	API          *api.Client
	Monitor      connectivity.Monitor
	prober       *connectivity.Prober
	Offline      *offline.Engine
	Appointments *offline.AppointmentCache
	Names        *ttlcache.Cache[string]
	Prefs        *prefs.Store

	Activity  *activity.Client
	Channel   *duplex.Channel
	Messaging *messaging.Client

	Status        *StatusBoard
	Notifications *NotificationService

	startOnce   sync.Once
	stopPublish func()
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := resolvePaths(opts.RootDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:     ctx,
		cancel:  cancel,
		Paths:   paths,
		Config:  cfg,
		Metrics: prometheus.NewRegistry(),
	}
	rt.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting fieldsync runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	if err := cfg.Validate(); err != nil {
		_ = rt.Close()

		return nil, fmt.Errorf("invalid config %s: %w", paths.ConfigFile, err)
	}

	if err := rt.openStore(ctx); err != nil {
		_ = rt.Close()

		return nil, err
	}

	rt.Bus = bus.New(logMgr.Logger("bus"))
	rt.WriterQueue = persistence.NewWriterQueue(logMgr.Logger("persistence"), WriterQueueCapacity)
	rt.WriterQueue.Start(ctx)

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	rt.Auth = auth.NewManager(auth.Config{
		BaseURL:    cfg.Server.APIURL,
		HTTPClient: httpClient,
		Store:      persistence.Namespace(rt.KV, NamespaceAuth),
		Logger:     logMgr.Logger("auth"),
	})
	rt.Auth.Init(ctx)

	rt.Diagnostics = transport.NewDiagnostics(persistence.Namespace(rt.KV, NamespaceDiagnostics), rt.WriterQueue, logMgr.Logger("diagnostics"))
	if err := rt.Diagnostics.Load(ctx); err != nil {
		slog.Warn("load diagnostics", "error", err)
	}

	rt.Resilient = transport.NewResilient(transport.Config{
		BaseURL:       cfg.Server.APIURL,
		HTTPClient:    httpClient,
		Tokens:        rt.Auth,
		ClientVersion: ClientVersion(),
		Diagnostics:   rt.Diagnostics,
		Logger:        logMgr.Logger("transport"),
	})
	rt.Gate = reqcache.NewGate(reqcache.Config{
		Next:       rt.Resilient,
		DefaultTTL: cfg.CacheTTL(),
		MaxEntries: cfg.Cache.MaxEntries,
		Logger:     logMgr.Logger("reqcache"),
		Registerer: rt.Metrics,
	})
	rt.API = api.New(rt.Gate, logMgr.Logger("api"))

	if opts.Offline {
		rt.Monitor = connectivity.NewManual(false)
	} else {
		rt.prober = connectivity.NewProber(connectivity.ProberConfig{
			URL:    cfg.Server.APIURL + HealthPath,
			Client: httpClient,
			Logger: logMgr.Logger("connectivity"),
		})
		rt.Monitor = rt.prober
	}

	offlineStore := persistence.Namespace(rt.KV, NamespaceOffline)
	rt.Offline = offline.NewEngine(offline.Config{
		API:        rt.API,
		Monitor:    rt.Monitor,
		Store:      offlineStore,
		Bus:        rt.Bus,
		Logger:     logMgr.Logger("offline"),
		Registerer: rt.Metrics,
	})
	rt.Appointments = offline.NewAppointmentCache(offlineStore, time.Now, logMgr.Logger("offline"))

	rt.Names = ttlcache.New[string](ttlcache.Config{
		Name:       "names",
		Capacity:   NameCacheCapacity,
		DefaultTTL: NameCacheTTL,
		Store:      persistence.Namespace(rt.KV, NamespaceCache),
		Logger:     logMgr.Logger("ttlcache"),
		Registerer: rt.Metrics,
	})

	rt.Prefs = prefs.NewStore(persistence.Namespace(rt.KV, NamespacePrefs), logMgr.Logger("prefs"))
	if _, err := rt.Prefs.Load(ctx); err != nil {
		slog.Warn("load preferences", "error", err)
	}

	rt.Activity = activity.NewClient(activity.Config{
		URL:        cfg.Server.StreamURL,
		HTTPClient: httpClient,
		Tokens:     rt.Auth,
		Hydrator:   rt.API,
		Bus:        rt.Bus,
		Logger:     logMgr.Logger("activity"),
	})

	if cfg.Identity.ID != "" && cfg.Server.ChatURL != "" {
		rt.Channel = duplex.New(duplex.Config{
			URL:    cfg.Server.ChatURL,
			Dialer: websocket.DefaultDialer,
			Tokens: rt.Auth,
			Bus:    rt.Bus,
			Logger: logMgr.Logger("duplex"),
		})
		rt.Messaging = messaging.NewClient(messaging.Config{
			Self:    domain.Participant{ID: cfg.Identity.ID, Type: domain.ParticipantType(cfg.Identity.Type)},
			API:     rt.API,
			Channel: rt.Channel,
			Bus:     rt.Bus,
			Logger:  logMgr.Logger("messaging"),
		})
	}

	rt.Status = NewStatusBoard()
	sender := opts.Sender
	if sender == nil {
		sender = notifications.LogSender{Logger: logMgr.Logger("notifications")}
	}
	rt.Notifications = NewNotificationService(rt.Bus, rt.CurrentConfig, rt.DisplayName, sender, logMgr.Logger("app.notifications"))

	return rt, nil
}

func resolvePaths(root string) (Paths, error) {
	if strings.TrimSpace(root) != "" {
		return PathsIn(root)
	}

	return ResolvePaths()
}

// openStore takes the state directory lock and opens the configured key-value backend.
func (r *Runtime) openStore(ctx context.Context) error {
	backend := string(r.Config.Storage.Backend)
	if r.Config.Storage.Backend != config.StorageMemory {
		lock, err := platform.AcquireStoreLock(r.Paths.StateDir)
		switch {
		case errors.Is(err, platform.ErrStoreLockUnsupported):
			slog.Warn("state directory lock is not supported on this platform")
		case err != nil:
			return fmt.Errorf("lock state dir: %w", err)
		default:
			r.storeLock = lock
		}
	}

	kv, closer, err := persistence.OpenKV(ctx, backend, r.Paths.StateDir)
	if err != nil {
		return fmt.Errorf("open %s store: %w", backend, err)
	}
	r.KV = kv
	r.kvCloser = closer

	return nil
}

// Start brings up connectivity probing, the offline engine, both streams and the
// notification listeners. It is a no-op after the first call.
func (r *Runtime) Start() error {
	var startErr error
	r.startOnce.Do(func() {
		ctx := r.Ctx

		r.Status.Start(ctx, r.Bus)
		r.Notifications.Start(ctx)
		r.followNames(ctx)
		r.followSession(ctx)

		r.stopPublish = connectivity.Publish(r.Monitor, r.Bus)
		if r.prober != nil {
			r.prober.Start(ctx)
		}
		if err := r.Offline.Start(ctx); err != nil {
			startErr = fmt.Errorf("start offline engine: %w", err)

			return
		}

		go r.Activity.Store().Animator().Run(ctx, activity.DefaultFrameInterval)
		if r.Auth.Session().Get() {
			r.Activity.Start(ctx)
		}
		if r.Messaging != nil {
			r.Messaging.Start()
			r.Channel.Start(ctx)
		}
	})

	return startErr
}

// followNames feeds display names seen on the activity stream and in conversation
// listings into the name cache.
func (r *Runtime) followNames(ctx context.Context) {
	bus.Listen(ctx, r.Bus, connectors.TopicActivityUpdate, func(u domain.ActivityUpdate) {
		r.rememberName(ctx, u.EntityID, u.DisplayName)
	})
	if r.Messaging == nil {
		return
	}
	unsubscribe := r.Messaging.State().Subscribe(func(st messaging.State) {
		for _, conv := range st.Conversations {
			r.rememberName(ctx, conv.OtherPartyID, conv.OtherPartyName)
		}
	})
	context.AfterFunc(ctx, unsubscribe)
}

func (r *Runtime) rememberName(ctx context.Context, id, name string) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return
	}
	if current, ok := r.Names.Get(ctx, id); ok && current == name {
		return
	}
	if err := r.Names.Set(ctx, id, name, 0, true); err != nil {
		slog.Debug("persist display name", "id", id, "error", err)
	}
}

// followSession tears down per-user state when credentials go away and reconnects
// the activity stream when they come back.
func (r *Runtime) followSession(ctx context.Context) {
	first := true
	unsubscribe := r.Auth.Session().Subscribe(func(active bool) {
		if first {
			first = false

			return
		}
		if active {
			r.Activity.Start(ctx)

			return
		}
		r.clearUserState(ctx)
	})
	context.AfterFunc(ctx, unsubscribe)
}

func (r *Runtime) clearUserState(ctx context.Context) {
	r.Activity.Disconnect(true)
	if r.Messaging != nil {
		r.Messaging.Store().Reset()
	}
	if err := r.ClearCache(ctx); err != nil {
		slog.Warn("clear caches after logout", "error", err)
	}
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

// SaveAndApplyConfig persists cfg and reconfigures logging. Endpoint and storage
// changes take effect on the next start.
func (r *Runtime) SaveAndApplyConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()

		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	return r.LogManager.Configure(cfg.Logging, r.Paths.LogFile)
}

// DisplayName resolves an entity or participant id through the name cache.
func (r *Runtime) DisplayName(id string) string {
	if name, ok := r.Names.Get(r.Ctx, id); ok {
		return name
	}

	return id
}

// CheckConnectivity probes the health endpoint once and reports the result. A
// runtime pinned offline reports false.
func (r *Runtime) CheckConnectivity(ctx context.Context) bool {
	if r.prober == nil {
		return r.Monitor.Online()
	}

	return r.prober.Probe(ctx)
}

// Submit routes a mutating action through the offline engine.
func (r *Runtime) Submit(ctx context.Context, actionType domain.ActionType, payload any) (offline.SubmitResult, error) {
	return r.Offline.Submit(ctx, actionType, payload)
}

// ListAppointments fetches appointments in [from, to], falling back to the last
// stored snapshot when the fetch fails.
func (r *Runtime) ListAppointments(ctx context.Context, from, to time.Time) ([]domain.Appointment, bool, error) {
	return r.Appointments.ReadThrough(ctx, func(ctx context.Context) ([]domain.Appointment, error) {
		return r.API.Appointments(ctx, from, to)
	})
}

// ClearCache drops the request cache and the persisted display-name cache.
func (r *Runtime) ClearCache(ctx context.Context) error {
	r.Gate.Clear()
	if err := r.Names.Clear(ctx); err != nil {
		return fmt.Errorf("clear name cache: %w", err)
	}
	slog.Info("caches cleared")

	return nil
}

func (r *Runtime) Logout(ctx context.Context) error {
	if err := r.Auth.Logout(ctx); err != nil {
		return err
	}
	r.clearUserState(ctx)

	return nil
}

func (r *Runtime) Close() error {
	if r.WriterQueue != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.WriterQueue.Flush(flushCtx); err != nil {
			slog.Warn("flush pending writes", "error", err)
		}
		cancel()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.stopPublish != nil {
		r.stopPublish()
	}
	if r.Messaging != nil {
		r.Messaging.Close()
	}
	if r.Activity != nil {
		r.Activity.Disconnect(false)
	}
	if r.Offline != nil {
		r.Offline.Stop()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.kvCloser != nil {
		_ = r.kvCloser.Close()
	}
	if r.storeLock != nil {
		_ = r.storeLock.Release()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return nil
}
