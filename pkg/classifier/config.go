package classifier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Rule maps a message/code pattern to an error kind. Patterns are matched
// case-insensitively against "<code> <http status> <message>".
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Kind    Kind   `yaml:"kind" json:"kind"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type RulesConfig struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// LoadRules reads a YAML rule file. An empty path yields DefaultRules.
func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}

	if len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no classifier rules configured")
	}
	for _, r := range cfg.Rules {
		if !r.Kind.valid() {
			return RulesConfig{}, fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
		}
	}

	return cfg, nil
}

// DefaultRules is evaluated top to bottom; the first match wins, so the
// specific kinds (certificate, validation, duplicate) precede the generic
// HTTP status buckets.
func DefaultRules() RulesConfig {
	return RulesConfig{Rules: []Rule{
		{Name: "socket", Kind: KindNetwork, Pattern: `econnreset|econnrefused|etimedout|connection (refused|reset)|broken pipe|i/o timeout|no such host|timed? ?out|unexpected eof`, Enabled: true},
		{Name: "signing-material", Kind: KindCertificate, Pattern: `certificate|\bcsd\b|signing key|private key|\bcer\b.*(expired|revoked)`, Enabled: true},
		{Name: "schema", Kind: KindValidation, Pattern: `schema|malformed|validation|invalid (xml|content|document|field|format)|well-formed`, Enabled: true},
		{Name: "already-processed", Kind: KindDuplicate, Pattern: `duplicate|already (processed|stamped|submitted|certified)`, Enabled: true},
		{Name: "provider-busy", Kind: KindProviderTemporary, Pattern: `\b(429|502|503|504)\b|busy|unavailable|rate limit|too many requests|try again`, Enabled: true},
		{Name: "provider-rejected", Kind: KindProviderPermanent, Pattern: `\b(400|401|403|404|405|422)\b|unauthorized|forbidden|rejected|bad request`, Enabled: true},
	}}
}
