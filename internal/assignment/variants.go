// Package assignment decides which LLM serves a student for a subject,
// running date-windowed A/B comparisons between candidate models.
package assignment

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// ConfigurationError reports a structural problem in the variants file.
// It is fatal at startup.
type ConfigurationError struct {
	Path    string
	Subject string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid variants configuration")
	if e.Path != "" {
		b.WriteString(" in " + e.Path)
	}
	if e.Subject != "" {
		b.WriteString(" (subject " + e.Subject + ")")
	}
	b.WriteString(": " + e.Reason)
	return b.String()
}

// Variant is one candidate model in an A/B window.
type Variant struct {
	Model  string  `yaml:"model" json:"model"`
	Weight float64 `yaml:"weight" json:"weight"`
	Cost   float64 `yaml:"cost" json:"cost"`
}

// SubjectVariants configures the A/B window for one subject.
type SubjectVariants struct {
	SubjectKey            string    `json:"subjectKey"`
	FromDate              time.Time `json:"fromDate"`
	ToDate                time.Time `json:"toDate"`
	Variants              []Variant `json:"variants"`
	CostPriority          bool      `json:"costPriority"`
	FewerReportedPriority bool      `json:"fewerReportedPriority"`
	KeepModel             bool      `json:"keepModel"`
}

// Active reports whether now falls inside the window. Both bounds are
// calendar days in UTC and inclusive.
func (v *SubjectVariants) Active(now time.Time) bool {
	if v == nil {
		return false
	}
	day := truncateDay(now)
	return !day.Before(v.FromDate) && !day.After(v.ToDate)
}

// Config is the loaded variants file.
type Config struct {
	DefaultModel string
	Subjects     []SubjectVariants

	bySubject map[string]*SubjectVariants
}

// Lookup returns the variants for subject, or nil when none are configured.
func (c *Config) Lookup(subject string) *SubjectVariants {
	if c == nil {
		return nil
	}
	return c.bySubject[subject]
}

type fileVariant struct {
	Model  string   `yaml:"model"`
	Weight *float64 `yaml:"weight"`
	Cost   float64  `yaml:"cost"`
}

type fileSubject struct {
	SubjectKey            string        `yaml:"subjectKey"`
	FromDate              string        `yaml:"fromDate"`
	ToDate                string        `yaml:"toDate"`
	Variants              []fileVariant `yaml:"variants"`
	CostPriority          bool          `yaml:"costPriority"`
	FewerReportedPriority bool          `yaml:"fewerReportedPriority"`
	KeepModel             bool          `yaml:"keepModel"`
}

type fileConfig struct {
	DefaultModel string        `yaml:"defaultModel"`
	Subjects     []fileSubject `yaml:"subjects"`
}

// LoadVariants reads and validates a variants YAML file. An empty path
// yields a Config with no subjects and the given default model.
func LoadVariants(path, defaultModel string) (*Config, error) {
	if path == "" {
		return ParseVariants(nil, defaultModel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Reason: err.Error()}
	}
	cfg, err := ParseVariants(data, defaultModel)
	if err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// ParseVariants validates YAML content. defaultModel is used when the file
// does not set one.
func ParseVariants(data []byte, defaultModel string) (*Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("parsing YAML: %v", err)}
	}

	cfg := &Config{
		DefaultModel: strings.TrimSpace(raw.DefaultModel),
		bySubject:    make(map[string]*SubjectVariants, len(raw.Subjects)),
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.DefaultModel == "" {
		return nil, &ConfigurationError{Reason: "no default model configured"}
	}

	for i, fs := range raw.Subjects {
		sv, err := fs.validate(i)
		if err != nil {
			return nil, err
		}
		if _, dup := cfg.bySubject[sv.SubjectKey]; dup {
			return nil, &ConfigurationError{Subject: sv.SubjectKey, Reason: "duplicate subjectKey"}
		}
		cfg.bySubject[sv.SubjectKey] = &sv
		cfg.Subjects = append(cfg.Subjects, sv)
	}
	return cfg, nil
}

func (fs fileSubject) validate(i int) (SubjectVariants, error) {
	key := strings.TrimSpace(fs.SubjectKey)
	if key == "" {
		return SubjectVariants{}, &ConfigurationError{Reason: fmt.Sprintf("subject %d: missing subjectKey", i)}
	}
	fail := func(format string, args ...any) (SubjectVariants, error) {
		return SubjectVariants{}, &ConfigurationError{Subject: key, Reason: fmt.Sprintf(format, args...)}
	}

	from, err := time.Parse(dateLayout, strings.TrimSpace(fs.FromDate))
	if err != nil {
		return fail("fromDate %q: want YYYY-MM-DD", fs.FromDate)
	}
	to, err := time.Parse(dateLayout, strings.TrimSpace(fs.ToDate))
	if err != nil {
		return fail("toDate %q: want YYYY-MM-DD", fs.ToDate)
	}
	if to.Before(from) {
		return fail("toDate %s is before fromDate %s", fs.ToDate, fs.FromDate)
	}
	if len(fs.Variants) == 0 {
		return fail("no variants")
	}

	sv := SubjectVariants{
		SubjectKey:            key,
		FromDate:              from,
		ToDate:                to,
		CostPriority:          fs.CostPriority,
		FewerReportedPriority: fs.FewerReportedPriority,
		KeepModel:             fs.KeepModel,
	}
	for j, fv := range fs.Variants {
		model := strings.TrimSpace(fv.Model)
		if model == "" {
			return fail("variant %d: empty model", j)
		}
		weight := 1.0
		if fv.Weight != nil {
			weight = *fv.Weight
		}
		if weight < 0 {
			return fail("variant %d (%s): negative weight", j, model)
		}
		if fv.Cost < 0 {
			return fail("variant %d (%s): negative cost", j, model)
		}
		sv.Variants = append(sv.Variants, Variant{Model: model, Weight: weight, Cost: fv.Cost})
	}
	return sv, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
