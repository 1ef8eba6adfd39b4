// Package agentmesh is the public API for embedding the mesh trust and
// governance daemon.
//
// The import graph enforces a strict no-cycle rule: agentmesh (root)
// imports internal/*, but internal/* never imports agentmesh. Public
// types (ToolCallRequest, PeerInfo, etc., in types.go) are standalone
// structs with no internal imports; conversion helpers between the
// public and internal shapes live here because this is the only file
// that sees both sides of the boundary.
package agentmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/audit"
	"github.com/agentmesh/mesh/internal/bridge"
	"github.com/agentmesh/mesh/internal/capability"
	"github.com/agentmesh/mesh/internal/compliance"
	"github.com/agentmesh/mesh/internal/config"
	"github.com/agentmesh/mesh/internal/credential"
	"github.com/agentmesh/mesh/internal/delegation"
	"github.com/agentmesh/mesh/internal/eventbus"
	"github.com/agentmesh/mesh/internal/handshake"
	"github.com/agentmesh/mesh/internal/identity"
	"github.com/agentmesh/mesh/internal/keystore"
	"github.com/agentmesh/mesh/internal/meshmcp"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/policy"
	"github.com/agentmesh/mesh/internal/proxy"
	"github.com/agentmesh/mesh/internal/ratelimit"
	"github.com/agentmesh/mesh/internal/revocation"
	"github.com/agentmesh/mesh/internal/reward"
	"github.com/agentmesh/mesh/internal/shadow"
	"github.com/agentmesh/mesh/internal/storage"
	"github.com/agentmesh/mesh/internal/telemetry"
	"github.com/agentmesh/mesh/migrations"
)

// systemSigningID is the fixed keystore identifier for this mesh node's
// own identity key, distinct from any agent it registers on behalf of
// callers.
const systemSigningID = "__mesh_node_identity_key__"

// App is the mesh node lifecycle: every component wired together and
// ready to run. Construct with New(), run with Run(). App has no
// public fields — use New() options to configure it.
type App struct {
	cfg config.Config

	store       storage.Adapter
	keys        *keystore.MemoryStore
	identities  *identity.Registry
	credentials *credential.Manager
	delegations *delegation.Chains
	revocations *revocation.Set
	auditLog    *audit.Log
	policies    *policy.Engine
	shadowEval  *shadow.Evaluator
	rewards     *reward.Engine
	handshakes  *handshake.Protocol
	bridgeSvc   *bridge.Bridge
	proxySvc    *proxy.Proxy
	complianceSvc        *compliance.Mapper
	complianceFrameworks []string
	mcpSvc               *meshmcp.Server

	selfDID string

	bus       *eventbus.Bus
	natsConn  *nats.Conn
	rlClient  *redis.Client
	cron      *cron.Cron

	httpSrv      *http.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New wires every mesh subsystem and returns a ready-to-run App. It
// connects to storage, runs migrations when the SQL backend is
// selected, registers this node's own identity, and loads policy and
// compliance control files from disk. It does not start any
// goroutines or accept connections — call Run for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	if o.toolInvoker == nil {
		return nil, errors.New("agentmesh: WithToolInvoker is required — the Governance Proxy has nothing to forward allowed calls to")
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("agentmesh: load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.natsURL != "" {
		cfg.NATSURL = o.natsURL
		cfg.NATSEnabled = true
	}
	if o.policyPath != "" {
		cfg.PolicyFile = o.policyPath
	}
	if o.complianceMapPath != "" {
		cfg.ComplianceMapPath = o.complianceMapPath
	}

	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("agentmesh starting", "version", version, "port", cfg.Port, "storage_backend", cfg.StorageBackend)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("agentmesh: telemetry: %w", err)
	}

	store, err := connectStorage(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	var natsConn *nats.Conn
	var bus *eventbus.Bus
	if cfg.NATSEnabled {
		natsConn, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("agentmesh: connect nats: %w", err)
		}
		bus = eventbus.New(natsConn, logger)
	}

	var rlClient *redis.Client
	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		rlOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("agentmesh: parse redis url for rate limiter: %w", err)
		}
		rlClient = redis.NewClient(rlOpts)
		limiter = ratelimit.New(rlClient, logger, true)
	}

	keys := keystore.NewMemoryStore()

	revocationOpts := []revocation.Option{revocation.WithLogger(logger)}
	if bus != nil {
		revocationOpts = append(revocationOpts, revocation.WithEventPublisher(bus))
	}
	for _, obs := range o.revocationObservers {
		revocationOpts = append(revocationOpts, revocation.WithSubscriber(revocationSubscriberAdapter{pub: obs}))
	}
	hsRevocations := &handshakeRevocationSubscriber{}
	revocationOpts = append(revocationOpts, revocation.WithSubscriber(hsRevocations))
	revocations := revocation.New(store, cfg.HandshakeCacheTTL, revocationOpts...)

	identities := identity.New(store, identity.WithRevocationNotifier(revocations))

	credentials, err := credential.New(ctx, store, keys, identities,
		credential.WithMaxTTL(cfg.MaxCredentialTTL),
		credential.WithRotateThreshold(cfg.RotateThreshold),
	)
	if err != nil {
		return nil, fmt.Errorf("agentmesh: credential manager: %w", err)
	}

	delegations := delegation.New(store, keys, identities, delegation.WithMaxDepth(cfg.MaxDelegationDepth))

	auditLog := audit.New(store, audit.WithLogger(logger))

	policyOpts := []policy.Option{}
	if limiter != nil {
		policyOpts = append(policyOpts, policy.WithRateLimiter(limiter))
	}
	policies := policy.New(policyOpts...)
	if err := loadPolicyFile(policies, cfg.PolicyFile); err != nil {
		return nil, err
	}

	shadowPolicies := policy.New()
	if err := loadPolicyFile(shadowPolicies, cfg.ShadowPolicyFile); err != nil {
		return nil, err
	}
	shadowEval := shadow.New(shadowPolicies, store, shadow.WithErrorLogger(func(err error) {
		logger.Warn("shadow evaluation failed", "error", err)
	}))

	rewardOpts := []reward.Option{
		reward.WithIdentityRevoker(identities),
		reward.WithIdentityLister(identities),
		reward.WithCredentialRevoker(credentials),
		reward.WithAuditLog(auditLog),
		reward.WithAlpha(cfg.EMAAlpha),
		reward.WithDecay(cfg.DecayRate, cfg.DecayFloor),
		reward.WithThresholds(cfg.RevocationThreshold, cfg.WarningThreshold),
		reward.WithInitialScore(cfg.InitialTrustScore),
		reward.WithLogger(logger),
	}
	if bus != nil {
		rewardOpts = append(rewardOpts, reward.WithEventPublisher(bus))
	}
	rewards := reward.New(store, rewardOpts...)

	handshakes := handshake.New(identities, keys, rewards, revocations,
		handshake.WithNonceTTL(cfg.HandshakeNonceTTL),
		handshake.WithCacheTTL(cfg.HandshakeCacheTTL),
		handshake.WithRequiredTrustScore(cfg.TrustedThreshold),
	)
	hsRevocations.proto = handshakes

	selfDID, err := registerSelf(ctx, keys, identities, logger)
	if err != nil {
		return nil, err
	}

	bridgeSvc := bridge.New(selfDID, handshakes, rewards, revocations, bridge.WithStaleness(cfg.HandshakeCacheTTL))
	for _, a := range o.bridgeAdapters {
		bridgeSvc.RegisterAdapter(bridgeAdapterWrapper{pub: a})
	}

	proxySvc := proxy.New(policies, rewards, rewards, auditLog, toolInvokerAdapter{pub: o.toolInvoker},
		proxy.WithActivePolicyName(firstNonEmpty(cfg.PolicyFile, "default")),
	)

	var controls []model.ComplianceControl
	if cfg.ComplianceMapPath != "" {
		controls, err = compliance.LoadControls(cfg.ComplianceMapPath)
		if err != nil {
			return nil, fmt.Errorf("agentmesh: load compliance map: %w", err)
		}
	}
	complianceSvc := compliance.New(controls, auditEventSource{log: auditLog})
	frameworkSet := map[string]bool{}
	for _, c := range controls {
		frameworkSet[c.Framework] = true
	}
	complianceFrameworks := make([]string, 0, len(frameworkSet))
	for fw := range frameworkSet {
		complianceFrameworks = append(complianceFrameworks, fw)
	}

	mcpSvc := meshmcp.New(meshmcp.Deps{
		Identities:  identities,
		Credentials: credentials,
		Delegations: delegations,
		Revocations: revocations,
		Handshakes:  handshakes,
		Bridge:      bridgeSvc,
		Rewards:     rewards,
		Audit:       auditLog,
		Compliance:  complianceSvc,
		Proxy:       proxySvc,
	}, logger, version)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpSvc.HTTPHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mountMetrics(mux, rewards)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	c := cron.New()

	return &App{
		cfg:           cfg,
		store:         store,
		keys:          keys,
		identities:    identities,
		credentials:   credentials,
		delegations:   delegations,
		revocations:   revocations,
		auditLog:      auditLog,
		policies:      policies,
		shadowEval:    shadowEval,
		rewards:       rewards,
		handshakes:    handshakes,
		bridgeSvc:     bridgeSvc,
		proxySvc:      proxySvc,
		complianceSvc:        complianceSvc,
		complianceFrameworks: complianceFrameworks,
		mcpSvc:               mcpSvc,
		selfDID:       selfDID,
		bus:           bus,
		natsConn:      natsConn,
		rlClient:      rlClient,
		cron:          c,
		httpSrv:       httpSrv,
		otelShutdown:  otelShutdown,
		logger:        logger,
		version:       version,
	}, nil
}

// Run starts background loops and the HTTP/MCP server, then blocks
// until ctx is cancelled or the server fails. Shutdown is called
// automatically on return — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.cron.AddFunc(a.cfg.ComplianceReportCron, func() { a.runComplianceReport(context.Background()) }); err != nil {
		return fmt.Errorf("agentmesh: invalid compliance report schedule %q: %w", a.cfg.ComplianceReportCron, err)
	}
	a.cron.Start()

	go a.rewardDecayLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful drain: stop accepting HTTP/MCP
// connections, stop background loops, close storage and event-bus
// connections, and flush OTEL exporters.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("agentmesh shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	cronCtx := a.cron.Stop()
	<-cronCtx.Done()

	if a.rlClient != nil {
		_ = a.rlClient.Close()
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	_ = a.otelShutdown(context.Background())
	_ = a.store.Close()

	a.logger.Info("agentmesh stopped")
	return nil
}

// rewardDecayLoop periodically applies idle-agent trust decay.
func (a *App) rewardDecayLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RewardUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, a.cfg.RewardUpdateInterval)
			if err := a.rewards.ApplyDecay(opCtx); err != nil {
				a.logger.Warn("reward decay pass failed", "error", err)
			}
			cancel()
		}
	}
}

// runComplianceReport generates one report per framework named in the
// loaded control map, covering the 24 hours up to now, across
// every currently active agent.
func (a *App) runComplianceReport(ctx context.Context) {
	agents, err := a.identities.ListActive(ctx)
	if err != nil {
		a.logger.Warn("compliance report: list active agents failed", "error", err)
		return
	}
	dids := make([]string, len(agents))
	for i, ag := range agents {
		dids[i] = ag.DID
	}

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	for _, fw := range a.complianceFrameworks {
		report, err := a.complianceSvc.GenerateReport(ctx, fw, start, end, dids)
		if err != nil {
			a.logger.Warn("compliance report generation failed", "framework", fw, "error", err)
			continue
		}
		a.logger.Info("compliance report generated", "framework", fw, "violations", len(report.Violations))
	}
}

func connectStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Adapter, error) {
	pool := storage.DefaultPoolConfig()
	pool.PoolSize = cfg.PoolSize
	pool.ConnectTimeout = cfg.ConnectTimeout

	switch cfg.StorageBackend {
	case "memory":
		return storage.NewMemoryAdapter(), nil
	case "redis":
		return storage.NewRedisAdapter(ctx, cfg.RedisURL, pool)
	case "sql":
		adapter, err := storage.NewSQLAdapter(ctx, cfg.DatabaseURL, pool)
		if err != nil {
			return nil, fmt.Errorf("agentmesh: connect sql storage: %w", err)
		}
		if err := adapter.RunMigrations(ctx, migrations.FS, logger); err != nil {
			return nil, fmt.Errorf("agentmesh: run migrations: %w", err)
		}
		return adapter, nil
	case "sqlite":
		adapter, err := storage.NewSQLiteAdapter(ctx, cfg.DatabaseURL, pool)
		if err != nil {
			return nil, fmt.Errorf("agentmesh: connect sqlite storage: %w", err)
		}
		if err := adapter.RunMigrations(ctx, migrations.FS, logger); err != nil {
			return nil, fmt.Errorf("agentmesh: run migrations: %w", err)
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("agentmesh: unknown storage backend %q", cfg.StorageBackend)
	}
}

// registerSelf gives this mesh node its own agent identity, used as the
// Protocol Bridge's selfDID. Idempotent: a duplicate-identity error on
// a restart with the same in-memory keystore is swallowed since the
// identity is already registered from a prior run against the same
// storage backend.
func registerSelf(ctx context.Context, keys *keystore.MemoryStore, identities *identity.Registry, logger *slog.Logger) (string, error) {
	pub, err := keys.Generate(ctx, systemSigningID)
	if err != nil {
		return "", fmt.Errorf("agentmesh: generate node identity key: %w", err)
	}
	did := capability.DeriveDID(pub)

	_, err = identities.Register(ctx, model.AgentIdentity{
		DID:          did,
		PublicKey:    pub,
		SponsorEmail: "system@agentmesh.local",
		Capabilities: []string{"mesh:bridge"},
		Status:       model.StatusActive,
	})
	if err != nil && !errors.Is(err, agentmesherr.New(agentmesherr.KindDuplicateIdentity, "", "")) {
		return "", fmt.Errorf("agentmesh: register node identity: %w", err)
	}
	logger.Info("agentmesh node identity registered", "did", did)
	return did, nil
}

func loadPolicyFile(engine *policy.Engine, path string) error {
	if path == "" {
		return nil
	}
	policies, err := policy.LoadPolicies(path)
	if err != nil {
		return fmt.Errorf("agentmesh: load policy file %s: %w", path, err)
	}
	for _, p := range policies {
		if err := engine.Put(p); err != nil {
			return fmt.Errorf("agentmesh: install policy %s: %w", p.Name, err)
		}
	}
	return nil
}

// mountMetrics registers a dedicated Prometheus registry (rather than
// the global default, so embedding this package twice in one process
// never panics on duplicate collector registration) and exposes it at
// /metrics.
func mountMetrics(mux *http.ServeMux, rewards *reward.Engine) {
	reg := prometheus.NewRegistry()
	for _, c := range rewards.Collectors() {
		reg.MustRegister(c)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ── Conversion adapters between the public API and internal/model ──────

type auditEventSource struct{ log *audit.Log }

func (a auditEventSource) Query(ctx context.Context, filter compliance.EventFilter, limit int) ([]model.AuditEntry, error) {
	return a.log.Query(ctx, audit.Filters{AgentDID: filter.AgentDID, Since: filter.Since, Until: filter.Until}, limit)
}

type revocationSubscriberAdapter struct{ pub RevocationObserver }

func (r revocationSubscriberAdapter) OnRevoked(ctx context.Context, kind revocation.EntryKind, id, reason string) {
	r.pub.OnRevoked(ctx, string(kind), id, reason)
}

// handshakeRevocationSubscriber forwards revocations to the Trust
// Handshake, which is constructed after the Revocation Set it depends on.
type handshakeRevocationSubscriber struct{ proto *handshake.Protocol }

func (h *handshakeRevocationSubscriber) OnRevoked(ctx context.Context, kind revocation.EntryKind, id, reason string) {
	if h.proto != nil {
		h.proto.OnRevoked(ctx, kind, id, reason)
	}
}

type toolInvokerAdapter struct{ pub ToolInvoker }

func (t toolInvokerAdapter) Invoke(ctx context.Context, req model.ToolCallRequest) (model.ToolCallResult, error) {
	res, err := t.pub.Invoke(ctx, ToolCallRequest{
		AgentDID:    req.AgentDID,
		AgentTags:   req.AgentTags,
		ToolName:    req.ToolName,
		Arguments:   req.Arguments,
		ContainsPII: req.ContainsPII,
		Encrypted:   req.Encrypted,
	})
	if err != nil {
		return model.ToolCallResult{}, err
	}
	return model.ToolCallResult{
		IsError:   res.IsError,
		ErrorCode: res.ErrorCode,
		Content:   res.Content,
		Data:      res.Data,
	}, nil
}

type bridgeAdapterWrapper struct{ pub BridgeAdapter }

func (b bridgeAdapterWrapper) Protocol() string { return b.pub.Protocol() }

func (b bridgeAdapterWrapper) VerifyPeerIdentity(ctx context.Context, peer model.PeerInfo, challenge model.HandshakeChallenge) (model.HandshakeResponse, error) {
	resp, err := b.pub.VerifyPeerIdentity(ctx, toPublicPeer(peer), toPublicChallenge(challenge))
	if err != nil {
		return model.HandshakeResponse{}, err
	}
	return toInternalResponse(resp), nil
}

func (b bridgeAdapterWrapper) Send(ctx context.Context, peer model.PeerInfo, message model.BridgeMessage) (model.BridgeResponse, error) {
	resp, err := b.pub.Send(ctx, toPublicPeer(peer), toPublicMessage(message))
	if err != nil {
		return model.BridgeResponse{}, err
	}
	return model.BridgeResponse{Payload: resp.Payload, ReceivedAt: resp.ReceivedAt}, nil
}

func (b bridgeAdapterWrapper) Translate(ctx context.Context, message model.BridgeMessage) (model.BridgeMessage, error) {
	out, err := b.pub.Translate(ctx, toPublicMessage(message))
	if err != nil {
		return model.BridgeMessage{}, err
	}
	return toInternalMessage(out), nil
}

func toPublicPeer(p model.PeerInfo) PeerInfo {
	return PeerInfo{DID: p.DID, Protocol: p.Protocol, Endpoint: p.Endpoint}
}

func toPublicChallenge(c model.HandshakeChallenge) HandshakeChallenge {
	return HandshakeChallenge{
		ChallengeID: c.ChallengeID,
		Nonce:       c.Nonce,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
		Protocol:    c.Protocol,
	}
}

func toPublicMessage(m model.BridgeMessage) BridgeMessage {
	return BridgeMessage{
		ID:             m.ID,
		FromDID:        m.FromDID,
		ToDID:          m.ToDID,
		SourceProtocol: m.SourceProtocol,
		TargetProtocol: m.TargetProtocol,
		Payload:        m.Payload,
		SentAt:         m.SentAt,
	}
}

func toInternalMessage(m BridgeMessage) model.BridgeMessage {
	return model.BridgeMessage{
		ID:             m.ID,
		FromDID:        m.FromDID,
		ToDID:          m.ToDID,
		SourceProtocol: m.SourceProtocol,
		TargetProtocol: m.TargetProtocol,
		Payload:        m.Payload,
		SentAt:         m.SentAt,
	}
}

func toInternalResponse(r HandshakeResponse) model.HandshakeResponse {
	return model.HandshakeResponse{
		ChallengeID:  r.ChallengeID,
		ResponderDID: r.ResponderDID,
		Signature:    r.Signature,
		Timestamp:    r.Timestamp,
		Capabilities: r.Capabilities,
		TrustScore:   r.TrustScore,
		UserContext:  r.UserContext,
	}
}
