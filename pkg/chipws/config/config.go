// Package config loads chipws HCL configuration files.
//
// A configuration is one or more .chipws files containing server, storage,
// metrics and controller blocks. Expressions can read the process
// environment through the env object, for example
//
//	server "main" {
//	    listen = "${lookup(env, "CHIP_WS_SERVER_HOST", "0.0.0.0")}:8080"
//	    ping_interval = "PT30S"
//	}
package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"go.uber.org/zap"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

type Config struct {
	Logger     *zap.Logger
	Functions  map[string]function.Function
	Constants  map[string]cty.Value
	Servers    []*ServerConfig
	Storage    *StorageConfig
	Metrics    *MetricsConfig
	Controller *ControllerConfig

	evalCtx *hcl.EvalContext
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:  zap.NewNop(),
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds files, directories (every *.chipws file below them) or
// []byte HCL sources.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	config := &Config{
		Logger:    cb.logger,
		Functions: GetFunctions(),
		Constants: map[string]cty.Value{
			"env": GetEnvObject(),
		},
	}
	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	blocks, addDiags := GetBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	handlers := GetBlockHandlers()
	for _, block := range blocks {
		if handler, ok := handlers[block.Type]; ok {
			diags = diags.Extend(handler(config, block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully",
		zap.Int("servers", len(config.Servers)),
	)

	return config, diags
}

// EvalContext returns the context expressions in the configuration are
// evaluated in.
func (c *Config) EvalContext() *hcl.EvalContext {
	return c.evalCtx
}

// GetFunctions returns the functions available to configuration expressions.
func GetFunctions() map[string]function.Function {
	return map[string]function.Function{
		"upper":     stdlib.UpperFunc,
		"lower":     stdlib.LowerFunc,
		"trimspace": stdlib.TrimSpaceFunc,
		"format":    stdlib.FormatFunc,
		"join":      stdlib.JoinFunc,
		"split":     stdlib.SplitFunc,
		"coalesce":  stdlib.CoalesceFunc,
		"lookup":    stdlib.LookupFunc,
		"max":       stdlib.MaxFunc,
		"min":       stdlib.MinFunc,
		"tonumber":  stdlib.MakeToFunc(cty.Number),
		"tostring":  stdlib.MakeToFunc(cty.String),
		"tobool":    stdlib.MakeToFunc(cty.Bool),
	}
}
