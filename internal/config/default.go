package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

// DefaultRouterConfig returns a usable starter configuration: a local Ollama
// provider plus a hosted OpenAI-compatible provider, with rules that keep
// privacy-sensitive prompts local.
func DefaultRouterConfig() *RouterConfig {
	strict := true
	return &RouterConfig{
		Version:       1,
		ActiveProfile: "default",
		Profiles: map[string]*ProfileConfig{
			"default": {
				Mode: ModeAuto,
				Budget: &BudgetConfig{
					DailyUSD:         fptr(5),
					MonthlyUSD:       fptr(50),
					HardStop:         false,
					WarningThreshold: fptr(80),
				},
				Providers: []*ProviderConfig{
					{
						ID:      "local",
						Kind:    KindOllama,
						BaseURL: "http://localhost:11434",
						Models: []*ModelConfig{
							{Name: "qwen2.5-coder", Context: iptr(32768), Caps: []string{"code"}},
						},
					},
					{
						ID:        "openai",
						Kind:      KindOpenAICompat,
						BaseURL:   "https://api.openai.com/v1",
						APIKeyRef: "OPENAI_API_KEY",
						Models: []*ModelConfig{
							{
								Name:    "gpt-4o-mini",
								Context: iptr(128000),
								Caps:    []string{"code", "chat"},
								Price:   &ModelPrice{InputPerMTok: 0.15, OutputPerMTok: 0.60},
							},
						},
					},
				},
				Routing: RoutingPolicy{
					Rules: []*RoutingRule{
						{
							ID: "private-stays-local",
							If: &RuleCondition{PrivacyStrict: &strict},
							Then: &RuleAction{
								Prefer: []string{"local:qwen2.5-coder"},
								Target: TargetChat,
							},
						},
						{
							ID: "tests-go-cheap",
							If: &RuleCondition{AnyKeyword: []string{"test", "unit test"}},
							Then: &RuleAction{
								Prefer: []string{"openai:gpt-4o-mini"},
								Target: TargetChat,
							},
						},
					},
					Default: RuleAction{
						Prefer: []string{"openai:gpt-4o-mini", "local:qwen2.5-coder"},
						Target: TargetChat,
					},
				},
			},
		},
	}
}

// WriteDefault persists the default configuration to path if no file exists
// there. It returns true when a file was written.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file %s: %w", path, err)
	}

	cfg := DefaultRouterConfig()
	if err := Validate(cfg); err != nil {
		return false, fmt.Errorf("default config is invalid: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write default config %s: %w", path, err)
	}
	return true, nil
}
