package scheduler

import (
	"strings"
	"time"

	"github.com/haasonsaas/mira/pkg/models"
)

// Retention tiers by age. Recall buffers an entry one tier per recall,
// lifting old entries at most back to the 90% tier.
var retentionTiers = []struct {
	maxAge    time.Duration
	retention float64
}{
	{24 * time.Hour, 1.00},
	{7 * 24 * time.Hour, 0.95},
	{30 * 24 * time.Hour, 0.90},
	{90 * 24 * time.Hour, 0.80},
	{365 * 24 * time.Hour, 0.70},
	{2 * 365 * 24 * time.Hour, 0.50},
}

const oldestRetention = 0.30

// recallBufferTier is the best tier recall can lift an entry to.
const recallBufferTier = 2 // the 90% tier

func ageTier(age time.Duration) int {
	for i, tier := range retentionTiers {
		if age <= tier.maxAge {
			return i
		}
	}
	return len(retentionTiers)
}

func tierRetention(tier int) float64 {
	if tier >= len(retentionTiers) {
		return oldestRetention
	}
	return retentionTiers[tier].retention
}

var promiseMarkers = []string{"promise", "i will", "i'll", "we will", "commit to", "deadline"}
var factualMarkers = []string{"is defined", "is located", "the answer is", "always", "never", "must"}
var triviaMarkers = []string{"lol", "haha", "nevermind", "nvm", "ok", "thanks"}

// typeBonus inspects the entry's content and analysis for retention
// adjustments: promise-like +0.2, high-intensity emotion +0.15,
// factual +0.1, trivia -0.1.
func typeBonus(entry *models.MessageEntry) float64 {
	bonus := 0.0
	lower := strings.ToLower(entry.Content)
	for _, marker := range promiseMarkers {
		if strings.Contains(lower, marker) {
			bonus += 0.2
			break
		}
	}
	if entry.Analysis != nil && entry.Analysis.Intensity > 0.7 {
		bonus += 0.15
	}
	for _, marker := range factualMarkers {
		if strings.Contains(lower, marker) {
			bonus += 0.1
			break
		}
	}
	if len(strings.TrimSpace(entry.Content)) < 20 {
		for _, marker := range triviaMarkers {
			if strings.HasPrefix(lower, marker) {
				bonus -= 0.1
				break
			}
		}
	}
	return bonus
}

// decayedSalience computes the target salience for an entry at now.
// The result never exceeds the current salience (decay only goes down)
// and never drops below the floor. original_salience is the basis and
// is never modified.
func decayedSalience(entry *models.MessageEntry, now time.Time) float64 {
	a := entry.Analysis
	if a == nil {
		return 0
	}
	age := now.Sub(entry.Timestamp)

	tier := ageTier(age)
	if a.RecallCount > 0 && tier > recallBufferTier {
		buffered := tier - int(a.RecallCount)
		if buffered < recallBufferTier {
			buffered = recallBufferTier
		}
		tier = buffered
	}

	retention := tierRetention(tier) * (1 + typeBonus(entry))
	if retention > 1 {
		retention = 1
	}
	if retention < 0 {
		retention = 0
	}

	target := a.OriginalSalience * retention
	if target < models.SalienceFloor {
		target = models.SalienceFloor
	}
	// Decay never raises salience.
	if target > a.Salience {
		target = a.Salience
	}
	return target
}
