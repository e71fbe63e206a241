package router

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Arm describes one routable backend model. Arms are configuration data,
// loaded once and read-mostly.
type Arm struct {
	ModelID  string
	Provider string
	// CostPerUnit is the declared price per 1k tokens.
	CostPerUnit      float64
	AvgLatency       time.Duration
	QualityScore     float64
	ReliabilityScore float64
}

// Catalog is the immutable set of routable arms plus the safe default used
// when strategy selection fails.
type Catalog struct {
	arms       []Arm
	byID       map[string]Arm
	defaultArm string
}

// NewCatalog builds a catalog. The default arm must be one of the arms; an
// empty defaultID selects the first arm.
func NewCatalog(arms []Arm, defaultID string) (*Catalog, error) {
	if len(arms) == 0 {
		return nil, fmt.Errorf("router: catalog needs at least one arm")
	}

	byID := make(map[string]Arm, len(arms))

	for _, arm := range arms {
		if arm.ModelID == "" {
			return nil, fmt.Errorf("router: arm with empty model_id")
		}

		if _, dup := byID[arm.ModelID]; dup {
			return nil, fmt.Errorf("router: duplicate arm %q", arm.ModelID)
		}

		byID[arm.ModelID] = arm
	}

	if defaultID == "" {
		defaultID = arms[0].ModelID
	}

	if _, ok := byID[defaultID]; !ok {
		return nil, fmt.Errorf("router: default arm %q not in catalog", defaultID)
	}

	sorted := make([]Arm, len(arms))
	copy(sorted, arms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ModelID < sorted[j].ModelID })

	return &Catalog{arms: sorted, byID: byID, defaultArm: defaultID}, nil
}

type armFile struct {
	ModelID          string  `yaml:"model_id"`
	Provider         string  `yaml:"provider"`
	CostPerUnit      float64 `yaml:"cost_per_unit"`
	AvgLatencyMs     int64   `yaml:"avg_latency_ms"`
	QualityScore     float64 `yaml:"quality_score"`
	ReliabilityScore float64 `yaml:"reliability_score"`
}

type catalogFile struct {
	Arms       []armFile `yaml:"arms"`
	DefaultArm string    `yaml:"default_arm"`
}

// LoadCatalog reads the arm catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("router: parse catalog: %w", err)
	}

	arms := make([]Arm, len(file.Arms))
	for i, a := range file.Arms {
		arms[i] = Arm{
			ModelID:          a.ModelID,
			Provider:         a.Provider,
			CostPerUnit:      a.CostPerUnit,
			AvgLatency:       time.Duration(a.AvgLatencyMs) * time.Millisecond,
			QualityScore:     a.QualityScore,
			ReliabilityScore: a.ReliabilityScore,
		}
	}

	return NewCatalog(arms, file.DefaultArm)
}

// Arms returns the arms sorted by model id.
func (c *Catalog) Arms() []Arm {
	out := make([]Arm, len(c.arms))
	copy(out, c.arms)

	return out
}

// Get returns the arm for a model id.
func (c *Catalog) Get(modelID string) (Arm, bool) {
	arm, ok := c.byID[modelID]
	return arm, ok
}

// Default returns the safe-default arm.
func (c *Catalog) Default() Arm {
	return c.byID[c.defaultArm]
}

// IDs returns every model id sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.arms))
	for i, arm := range c.arms {
		ids[i] = arm.ModelID
	}

	return ids
}
