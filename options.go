package agentmesh

import "log/slog"

// Option configures an App during New. Options are applied in the
// order passed; later options override earlier ones for single-value
// fields, and accumulate for slice fields (WithBridgeAdapter,
// WithRevocationObserver).
type Option func(*resolvedOptions)

type resolvedOptions struct {
	logger  *slog.Logger
	version string

	databaseURL       string
	redisURL          string
	natsURL           string
	policyPath        string
	complianceMapPath string

	toolInvoker         ToolInvoker
	bridgeAdapters      []BridgeAdapter
	revocationObservers []RevocationObserver
}

// WithLogger sets the structured logger used throughout the mesh.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = l }
}

// WithVersion sets the version string reported in startup logs and
// OTEL resource attributes. Defaults to "dev".
func WithVersion(v string) Option {
	return func(o *resolvedOptions) { o.version = v }
}

// WithDatabaseURL overrides AGENTMESH_DATABASE_URL.
func WithDatabaseURL(dsn string) Option {
	return func(o *resolvedOptions) { o.databaseURL = dsn }
}

// WithRedisURL overrides AGENTMESH_REDIS_URL.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithNATSURL overrides AGENTMESH_NATS_URL.
func WithNATSURL(url string) Option {
	return func(o *resolvedOptions) { o.natsURL = url }
}

// WithPolicyFile overrides AGENTMESH_POLICY_FILE, the YAML file loaded
// into the Policy Engine at startup.
func WithPolicyFile(path string) Option {
	return func(o *resolvedOptions) { o.policyPath = path }
}

// WithComplianceMap overrides AGENTMESH_COMPLIANCE_MAP.
func WithComplianceMap(path string) Option {
	return func(o *resolvedOptions) { o.complianceMapPath = path }
}

// WithToolInvoker registers the tool server the Governance Proxy
// forwards allowed calls to. Required — New returns an error if no
// invoker is supplied.
func WithToolInvoker(inv ToolInvoker) Option {
	return func(o *resolvedOptions) { o.toolInvoker = inv }
}

// WithBridgeAdapter registers a transport adapter for the Protocol
// Bridge. May be called multiple times to register more than one
// protocol.
func WithBridgeAdapter(a BridgeAdapter) Option {
	return func(o *resolvedOptions) { o.bridgeAdapters = append(o.bridgeAdapters, a) }
}

// WithRevocationObserver registers a host-side callback fired whenever
// an identity or credential is revoked. May be called multiple times.
func WithRevocationObserver(r RevocationObserver) Option {
	return func(o *resolvedOptions) { o.revocationObservers = append(o.revocationObservers, r) }
}
