// Package chain loads settlement chain definitions and routes value transfers
// to the adapter responsible for an asset.
package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"OpenMCP-Pay/internal/transfer"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint and the operator account that
// signs custody transfers on it.
type Definition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	OperatorKey string `yaml:"operator_key_env"`
	WaitMined   bool   `yaml:"wait_mined"`
	Description string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Router dispatches transfers to the adapter of the asset's chain. Assets
// without a chain use the fallback adapter.
type Router struct {
	fallback transfer.Adapter
	adapters map[string]transfer.Adapter
	assets   map[string]string
}

// NewRouter creates a router with the given fallback adapter.
func NewRouter(fallback transfer.Adapter) *Router {
	return &Router{
		fallback: fallback,
		adapters: make(map[string]transfer.Adapter),
		assets:   make(map[string]string),
	}
}

// Register attaches the adapter serving chain name.
func (r *Router) Register(name string, adapter transfer.Adapter) {
	r.adapters[name] = adapter
}

// Bind routes asset symbol to chain name.
func (r *Router) Bind(symbol, name string) {
	r.assets[strings.ToUpper(strings.TrimSpace(symbol))] = name
}

// Chains returns the registered chain names.
func (r *Router) Chains() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transfer implements transfer.Adapter. All movements of one call must settle
// on the same chain.
func (r *Router) Transfer(ctx context.Context, movements ...transfer.Movement) (transfer.Receipt, error) {
	if len(movements) == 0 {
		return transfer.Receipt{}, nil
	}
	target, err := r.route(movements[0].Asset)
	if err != nil {
		return transfer.Receipt{}, transfer.Failed(err)
	}
	for _, m := range movements[1:] {
		other, err := r.route(m.Asset)
		if err != nil {
			return transfer.Receipt{}, transfer.Failed(err)
		}
		if other != target {
			return transfer.Receipt{}, transfer.Failed(errors.New("一次划转不能跨链"))
		}
	}
	return target.Transfer(ctx, movements...)
}

func (r *Router) route(symbol string) (transfer.Adapter, error) {
	name, ok := r.assets[strings.ToUpper(symbol)]
	if !ok {
		if r.fallback == nil {
			return nil, fmt.Errorf("资产 %s 未绑定任何链", symbol)
		}
		return r.fallback, nil
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("资产 %s 绑定的链 %s 未注册", symbol, name)
	}
	return adapter, nil
}
