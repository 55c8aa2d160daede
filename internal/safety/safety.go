// Package safety scores vaults from TVL and protocol reputation. Scoring is
// a pure function of the vault and the static reputation table.
package safety

import (
	"fmt"
	"math"

	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/registry"
)

const (
	HighTVLUSD     = 100_000_000
	ModerateTVLUSD = 10_000_000
)

// Weights are additive contributions around a neutral base. Callers may
// tune them; Validate enforces the orderings scoring depends on.
type Weights struct {
	Base        float64 `yaml:"base"`
	HighTVL     float64 `yaml:"high_tvl"`
	ModerateTVL float64 `yaml:"moderate_tvl"`
	LowTVL      float64 `yaml:"low_tvl"`
	Audited     float64 `yaml:"audited"`
	Unverified  float64 `yaml:"unverified"`
}

func DefaultWeights() Weights {
	return Weights{
		Base:        5.0,
		HighTVL:     3.0,
		ModerateTVL: 0,
		LowTVL:      -1.5,
		Audited:     2.0,
		Unverified:  -1.5,
	}
}

// Validate checks that a larger TVL tier or allow-list membership can never
// lower a score.
func (w Weights) Validate() error {
	if !(w.HighTVL >= w.ModerateTVL && w.ModerateTVL >= w.LowTVL) {
		return fmt.Errorf("safety weights must satisfy high_tvl >= moderate_tvl >= low_tvl")
	}
	if w.Audited < w.Unverified {
		return fmt.Errorf("safety weights must satisfy audited >= unverified")
	}
	return nil
}

type Scorer struct {
	weights Weights
}

// New falls back to DefaultWeights when w is invalid.
func New(w Weights) *Scorer {
	if w.Validate() != nil {
		w = DefaultWeights()
	}
	return &Scorer{weights: w}
}

func (s *Scorer) Score(v model.ProtocolVault) model.SafetyScore {
	w := s.weights
	score := w.Base
	factors := make([]string, 0, 2)

	switch tvl := v.TVLUSD; {
	case tvl >= HighTVLUSD:
		score += w.HighTVL
		factors = append(factors, fmt.Sprintf("high TVL (%s)", formatUSD(tvl)))
	case tvl >= ModerateTVLUSD:
		score += w.ModerateTVL
		factors = append(factors, fmt.Sprintf("moderate TVL (%s)", formatUSD(tvl)))
	default:
		score += w.LowTVL
		factors = append(factors, fmt.Sprintf("low TVL (%s)", formatUSD(tvl)))
	}

	if name, ok := registry.AuditedProtocol(v.Project); ok {
		score += w.Audited
		factors = append(factors, "audited protocol: "+name)
	} else {
		score += w.Unverified
		factors = append(factors, "unverified protocol")
	}

	score = math.Round(clamp(score, 0, 10)*10) / 10
	return model.SafetyScore{Score: score, Risk: RiskFor(score), Factors: factors}
}

// Apply scores vaults in place and returns them.
func (s *Scorer) Apply(vaults []model.ProtocolVault) []model.ProtocolVault {
	for i := range vaults {
		sc := s.Score(vaults[i])
		vaults[i].Safety = &sc
	}
	return vaults
}

func RiskFor(score float64) model.RiskLevel {
	switch {
	case score >= 8:
		return model.RiskLow
	case score >= 4:
		return model.RiskMedium
	default:
		return model.RiskHigh
	}
}

func formatUSD(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.1fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.1fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.1fK", v/1e3)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
