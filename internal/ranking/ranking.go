// Package ranking scores vaults for safety and orders them.
package ranking

import (
	"sort"
	"strings"

	"github.com/ggonzalez94/defi-yield/internal/model"
)

const (
	DefaultPrefilter = 20
	DefaultLimit     = 15
)

type Scorer interface {
	Score(model.ProtocolVault) model.SafetyScore
}

// Ranker bounds scoring cost and response size: only the Prefilter largest
// vaults by TVL are scored, and at most Limit are returned.
type Ranker struct {
	Prefilter int
	Limit     int
	scorer    Scorer
}

func New(scorer Scorer, prefilter, limit int) *Ranker {
	if prefilter <= 0 {
		prefilter = DefaultPrefilter
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Ranker{Prefilter: prefilter, Limit: limit, scorer: scorer}
}

// Rank returns at most Limit vaults ordered by safety score then APY, and
// the size of the input.
func (r *Ranker) Rank(vaults []model.ProtocolVault) ([]model.ProtocolVault, int) {
	total := len(vaults)
	work := make([]model.ProtocolVault, total)
	copy(work, vaults)

	sort.SliceStable(work, func(i, j int) bool {
		if work[i].TVLUSD != work[j].TVLUSD {
			return work[i].TVLUSD > work[j].TVLUSD
		}
		return identityLess(work[i], work[j])
	})
	if len(work) > r.Prefilter {
		work = work[:r.Prefilter]
	}

	for i := range work {
		sc := r.scorer.Score(work[i])
		work[i].Safety = &sc
	}

	SortScored(work)
	if len(work) > r.Limit {
		work = work[:r.Limit]
	}
	return work, total
}

// SortScored orders by safety score, then APY, then TVL, then identity.
// Unscored vaults sort last.
func SortScored(vaults []model.ProtocolVault) {
	sort.SliceStable(vaults, func(i, j int) bool {
		a, b := vaults[i], vaults[j]
		sa, sb := scoreOf(a), scoreOf(b)
		if sa != sb {
			return sa > sb
		}
		if a.APY != b.APY {
			return a.APY > b.APY
		}
		if a.TVLUSD != b.TVLUSD {
			return a.TVLUSD > b.TVLUSD
		}
		return identityLess(a, b)
	})
}

func scoreOf(v model.ProtocolVault) float64 {
	if v.Safety == nil {
		return -1
	}
	return v.Safety.Score
}

func identityLess(a, b model.ProtocolVault) bool {
	if a.ChainID != b.ChainID {
		return a.ChainID < b.ChainID
	}
	return strings.ToLower(a.Address) < strings.ToLower(b.Address)
}
