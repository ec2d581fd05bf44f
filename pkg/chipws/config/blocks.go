package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"

	"github.com/tsarna/chipws/pkg/chipws/dispatch"
	"github.com/tsarna/chipws/pkg/chipws/protocol"
	"github.com/tsarna/chipws/pkg/chipws/server"
)

// DefaultRoute is the HTTP path the WebSocket endpoint is served on.
const DefaultRoute = "/chip_ws"

type BlockHandler func(config *Config, block *hcl.Block) hcl.Diagnostics

func GetBlockHandlers() map[string]BlockHandler {
	return map[string]BlockHandler{
		"server":     processServerBlock,
		"storage":    processStorageBlock,
		"metrics":    processMetricsBlock,
		"controller": processControllerBlock,
	}
}

type ServerDefinition struct {
	Listen           string         `hcl:"listen"`
	Path             string         `hcl:"path,optional"`
	PingInterval     hcl.Expression `hcl:"ping_interval,optional"`
	WriteTimeout     hcl.Expression `hcl:"write_timeout,optional"`
	ReadLimit        *int64         `hcl:"read_limit,optional"`
	RateLimit        *float64       `hcl:"rate_limit,optional"`
	RateBurst        *int           `hcl:"rate_burst,optional"`
	OriginPatterns   []string       `hcl:"origin_patterns,optional"`
	AllowCommands    []string       `hcl:"allow_commands,optional"`
	DriverVersion    *int           `hcl:"driver_version,optional"`
	ServerVersion    *int           `hcl:"server_version,optional"`
	MinSchemaVersion *int           `hcl:"min_schema_version,optional"`
	MaxSchemaVersion *int           `hcl:"max_schema_version,optional"`
	Disabled         bool           `hcl:"disabled,optional"`
}

// ServerConfig is one WebSocket endpoint. Unset optional values leave the
// listener defaults in place.
type ServerConfig struct {
	Name           string
	Listen         string
	Path           string
	PingInterval   *time.Duration
	WriteTimeout   *time.Duration
	ReadLimit      int64
	RateLimit      float64
	RateBurst      int
	OriginPatterns []string
	AllowCommands  []string
	Handshake      protocol.Handshake
	DefRange       hcl.Range
}

// Apply copies the server's settings onto a listener configuration.
func (s *ServerConfig) Apply(lc *server.ListenerConfig) *server.ListenerConfig {
	lc.WithHandshake(s.Handshake)
	if s.PingInterval != nil {
		lc.WithPingInterval(*s.PingInterval)
	}
	if s.WriteTimeout != nil {
		lc.WithWriteTimeout(*s.WriteTimeout)
	}
	if s.ReadLimit > 0 {
		lc.WithReadLimit(s.ReadLimit)
	}
	if len(s.OriginPatterns) > 0 {
		lc.WithOriginPatterns(s.OriginPatterns...)
	}
	return lc
}

// Middleware returns the dispatch middleware the server's settings call for,
// or nil when none is needed. Command authorization runs before rate
// limiting, so denied commands do not use up the budget.
func (s *ServerConfig) Middleware() dispatch.Middleware {
	var middleware []dispatch.Middleware
	if s.AllowCommands != nil {
		middleware = append(middleware, dispatch.Authorize(dispatch.AllowCommandPatterns(s.AllowCommands...)))
	}
	if s.RateLimit > 0 {
		middleware = append(middleware, dispatch.RateLimit(s.RateLimit, s.RateBurst))
	}

	switch len(middleware) {
	case 0:
		return nil
	case 1:
		return middleware[0]
	}
	return dispatch.Chain(middleware...)
}

type StorageConfig struct {
	Path        string
	LockTimeout *time.Duration
}

type storageDefinition struct {
	Path        string         `hcl:"path"`
	LockTimeout hcl.Expression `hcl:"lock_timeout,optional"`
}

type MetricsConfig struct {
	Listen    string
	Path      string
	Namespace string
}

type metricsDefinition struct {
	Listen    string `hcl:"listen"`
	Path      string `hcl:"path,optional"`
	Namespace string `hcl:"namespace,optional"`
}

type ControllerConfig struct {
	CommissionDelay *time.Duration
	PoolSize        int
}

type controllerDefinition struct {
	CommissionDelay hcl.Expression `hcl:"commission_delay,optional"`
	PoolSize        *int           `hcl:"pool_size,optional"`
}

func processServerBlock(config *Config, block *hcl.Block) hcl.Diagnostics {
	serverDef := ServerDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &serverDef)
	if diags.HasErrors() {
		return diags
	}
	name := block.Labels[0]

	if serverDef.Disabled {
		return diags
	}

	for _, existing := range config.Servers {
		if existing.Name == name {
			return diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Server already defined",
				Detail:   fmt.Sprintf("Server %s already defined at %s", name, existing.DefRange),
				Subject:  &block.DefRange,
			})
		}
	}

	sc := &ServerConfig{
		Name:           name,
		Listen:         serverDef.Listen,
		Path:           serverDef.Path,
		OriginPatterns: serverDef.OriginPatterns,
		AllowCommands:  serverDef.AllowCommands,
		Handshake:      protocol.DefaultHandshake(),
		DefRange:       block.DefRange,
	}
	if sc.Path == "" {
		sc.Path = DefaultRoute
	}

	var addDiags hcl.Diagnostics
	sc.PingInterval, addDiags = optionalDuration(serverDef.PingInterval, config.evalCtx)
	diags = diags.Extend(addDiags)
	sc.WriteTimeout, addDiags = optionalDuration(serverDef.WriteTimeout, config.evalCtx)
	diags = diags.Extend(addDiags)

	if serverDef.ReadLimit != nil {
		if *serverDef.ReadLimit <= 0 {
			diags = diags.Append(invalidValue(block, "read_limit", "must be positive"))
		}
		sc.ReadLimit = *serverDef.ReadLimit
	}
	if serverDef.RateLimit != nil {
		if *serverDef.RateLimit < 0 {
			diags = diags.Append(invalidValue(block, "rate_limit", "must not be negative"))
		}
		sc.RateLimit = *serverDef.RateLimit
		sc.RateBurst = 1
	}
	if serverDef.RateBurst != nil {
		if *serverDef.RateBurst < 1 {
			diags = diags.Append(invalidValue(block, "rate_burst", "must be at least 1"))
		}
		sc.RateBurst = *serverDef.RateBurst
	}

	for _, pattern := range sc.AllowCommands {
		if err := dispatch.ValidateCommandPattern(pattern); err != nil {
			diags = diags.Append(invalidValue(block, "allow_commands", err.Error()))
		}
	}

	setInt(&sc.Handshake.DriverVersion, serverDef.DriverVersion)
	setInt(&sc.Handshake.ServerVersion, serverDef.ServerVersion)
	setInt(&sc.Handshake.MinSchemaVersion, serverDef.MinSchemaVersion)
	setInt(&sc.Handshake.MaxSchemaVersion, serverDef.MaxSchemaVersion)
	if sc.Handshake.MinSchemaVersion > sc.Handshake.MaxSchemaVersion {
		diags = diags.Append(invalidValue(block, "min_schema_version", "must not exceed max_schema_version"))
	}

	if diags.HasErrors() {
		return diags
	}

	config.Servers = append(config.Servers, sc)
	return diags
}

func processStorageBlock(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.Storage != nil {
		return duplicateBlock(block)
	}

	def := storageDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	lockTimeout, addDiags := optionalDuration(def.LockTimeout, config.evalCtx)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return diags
	}

	config.Storage = &StorageConfig{
		Path:        def.Path,
		LockTimeout: lockTimeout,
	}
	return diags
}

func processMetricsBlock(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.Metrics != nil {
		return duplicateBlock(block)
	}

	def := metricsDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	config.Metrics = &MetricsConfig{
		Listen:    def.Listen,
		Path:      def.Path,
		Namespace: def.Namespace,
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.Namespace == "" {
		config.Metrics.Namespace = "chipws"
	}
	return diags
}

func processControllerBlock(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.Controller != nil {
		return duplicateBlock(block)
	}

	def := controllerDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	cc := &ControllerConfig{}

	var addDiags hcl.Diagnostics
	cc.CommissionDelay, addDiags = optionalDuration(def.CommissionDelay, config.evalCtx)
	diags = diags.Extend(addDiags)

	if def.PoolSize != nil {
		if *def.PoolSize < 1 {
			diags = diags.Append(invalidValue(block, "pool_size", "must be at least 1"))
		}
		cc.PoolSize = *def.PoolSize
	}
	if diags.HasErrors() {
		return diags
	}

	config.Controller = cc
	return diags
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func duplicateBlock(block *hcl.Block) hcl.Diagnostics {
	return hcl.Diagnostics{
		&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  fmt.Sprintf("Duplicate %s block", block.Type),
			Detail:   fmt.Sprintf("Only one %s block is allowed", block.Type),
			Subject:  &block.DefRange,
		},
	}
}

func invalidValue(block *hcl.Block, attr, detail string) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Invalid " + attr,
		Detail:   fmt.Sprintf("%s %s", attr, detail),
		Subject:  &block.DefRange,
	}
}
