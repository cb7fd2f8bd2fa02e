package bridge

import (
	"fmt"
	"os"
	"regexp"

	"github.com/basket/skillbus/internal/audit"
	"gopkg.in/yaml.v3"
)

// Finding categories recognized by the rubric.
const (
	CategoryDataDestructive    = "data_destructive"
	CategoryScopeViolation     = "scope_violation"
	CategoryCredentialExposure = "credential_exposure"
	CategoryExternalSend       = "external_send"
	CategoryStyle              = "style"
)

// Finding is one classified risk observation about an operation or payload.
type Finding struct {
	Category string
	Detail   string
}

// Rubric maps finding categories to severities and carries the payload
// screening patterns. Categories missing from the file keep their defaults.
type Rubric struct {
	severities map[string]audit.Severity
	patterns   []screenPattern
}

type screenPattern struct {
	re       *regexp.Regexp
	category string
}

type rubricFile struct {
	Severities map[string]string `yaml:"severities"`
	Screening  []struct {
		Pattern  string `yaml:"pattern"`
		Category string `yaml:"category"`
	} `yaml:"screening"`
}

// Destructive and scope-escaping shell fragments screened out of payloads.
var defaultScreenPatterns = []struct {
	pattern  string
	category string
}{
	{`(?i)\brm\s+-[a-z]*[rf]`, CategoryDataDestructive},
	{`(?i)\bdrop\s+(table|database)\b`, CategoryDataDestructive},
	{`(?i)\btruncate\s+table\b`, CategoryDataDestructive},
	{`(?i)\bmkfs\b`, CategoryDataDestructive},
	{`(?i)\bsudo\b`, CategoryScopeViolation},
	{`(?i)\bchmod\s+777\b`, CategoryScopeViolation},
	{`(?i)curl[^|]*\|\s*(ba)?sh`, CategoryScopeViolation},
	{`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)"?\s*[:=]`, CategoryCredentialExposure},
	{`AKIA[A-Z0-9]{16}`, CategoryCredentialExposure},
}

// DefaultRubric returns the built-in category ranking: destructive and
// scope-escaping findings escalate to CRITICAL, credential exposure to
// BLOCKER, style stays INFO.
func DefaultRubric() *Rubric {
	r := &Rubric{
		severities: map[string]audit.Severity{
			CategoryDataDestructive:    audit.SeverityCritical,
			CategoryScopeViolation:     audit.SeverityCritical,
			CategoryCredentialExposure: audit.SeverityBlocker,
			CategoryExternalSend:       audit.SeverityWarning,
			CategoryStyle:              audit.SeverityInfo,
		},
	}
	for _, p := range defaultScreenPatterns {
		r.patterns = append(r.patterns, screenPattern{
			re:       regexp.MustCompile(p.pattern),
			category: p.category,
		})
	}
	return r
}

// LoadRubric reads category overrides and extra screening patterns from a
// YAML file, layered over the defaults. A missing path returns the defaults.
func LoadRubric(path string) (*Rubric, error) {
	r := DefaultRubric()
	if path == "" {
		return r, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read rubric %s: %w", path, err)
	}
	var file rubricFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse rubric %s: %w", path, err)
	}
	for category, label := range file.Severities {
		sev, err := audit.ParseSeverity(label)
		if err != nil {
			return nil, fmt.Errorf("rubric %s: category %q: %w", path, category, err)
		}
		r.severities[category] = sev
	}
	for _, entry := range file.Screening {
		re, err := regexp.Compile(entry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rubric %s: pattern %q: %w", path, entry.Pattern, err)
		}
		r.patterns = append(r.patterns, screenPattern{re: re, category: entry.Category})
	}
	return r, nil
}

// Severity ranks a finding. Unknown categories rank WARNING so a typo in a
// rubric file fails toward caution, not silence.
func (r *Rubric) Severity(f Finding) audit.Severity {
	if sev, ok := r.severities[f.Category]; ok {
		return sev
	}
	return audit.SeverityWarning
}

// Screen checks a request payload against the blocked patterns and returns
// the first matching finding.
func (r *Rubric) Screen(payload string) (Finding, bool) {
	for _, p := range r.patterns {
		if match := p.re.FindString(payload); match != "" {
			return Finding{Category: p.category, Detail: match}, true
		}
	}
	return Finding{}, false
}
