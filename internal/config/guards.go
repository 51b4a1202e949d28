package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var guardSpecKeys = map[string]struct{}{
	"method":               {},
	"lookback_period":      {},
	"stop_duration":        {},
	"trade_limit":          {},
	"max_allowed_drawdown": {},
	"required_profit":      {},
}

// GuardSpec describes one protection entry under risk.protections.
// The method selects the guard kind; unrecognised methods are skipped by the risk engine.
type GuardSpec struct {
	Method             string   `yaml:"method" json:"method"`
	LookbackPeriod     Duration `yaml:"lookback_period,omitempty" json:"lookback_period,omitempty"`
	StopDuration       Duration `yaml:"stop_duration,omitempty" json:"stop_duration,omitempty"`
	TradeLimit         int      `yaml:"trade_limit,omitempty" json:"trade_limit,omitempty"`
	MaxAllowedDrawdown float64  `yaml:"max_allowed_drawdown,omitempty" json:"max_allowed_drawdown,omitempty"`
	RequiredProfit     float64  `yaml:"required_profit,omitempty" json:"required_profit,omitempty"`
}

// UnmarshalYAML rejects keys outside the protection schema.
func (g *GuardSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("risk.protections: entry must be a mapping (line %d)", node.Line)
	}
	var unknown []string
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if _, ok := guardSpecKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("risk.protections: unknown field(s) %s (line %d)", strings.Join(unknown, ", "), node.Line)
	}
	type plain GuardSpec
	var out plain
	if err := node.Decode(&out); err != nil {
		return fmt.Errorf("risk.protections: %w", err)
	}
	*g = GuardSpec(out)
	return nil
}

func (g GuardSpec) validate(idx int) error {
	if strings.TrimSpace(g.Method) == "" {
		return fmt.Errorf("risk.protections[%d].method required", idx)
	}
	if g.LookbackPeriod < 0 || g.StopDuration < 0 {
		return fmt.Errorf("risk.protections[%d] durations must be >=0", idx)
	}
	if g.TradeLimit < 0 {
		return fmt.Errorf("risk.protections[%d].trade_limit must be >=0", idx)
	}
	if g.MaxAllowedDrawdown < 0 || g.MaxAllowedDrawdown > 1 {
		return fmt.Errorf("risk.protections[%d].max_allowed_drawdown must be within [0,1]", idx)
	}
	return nil
}
