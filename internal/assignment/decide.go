package assignment

import (
	"hash/fnv"
	"math"
	"time"

	"github.com/kalambet/quizrag/internal/storage"
)

// Assignment is the persisted (student, subject) record.
type Assignment = storage.Assignment

// Reasons recorded on a Decision.
const (
	ReasonDefault       = "default"
	ReasonKept          = "kept"
	ReasonCost          = "cost"
	ReasonFewerReported = "fewer_reported"
	ReasonWeighted      = "weighted"
)

// Decision is the outcome of Decide.
type Decision struct {
	Model            string
	ABCTestingActive bool
	// Changed is true when the decision differs from the existing record,
	// or when there was no record.
	Changed bool
	Reason  string
}

// Decide applies the assignment rules for one request. It is pure: the
// caller supplies the existing record (nil when unassigned), the subject's
// variants (nil when not configured), the per-model report counts and the
// current time.
func Decide(existing *Assignment, cfg *SubjectVariants, defaultModel, student, subject string, failures map[string]int, now time.Time) Decision {
	active := cfg.Active(now)

	if existing == nil {
		if !active {
			return Decision{Model: defaultModel, Changed: true, Reason: ReasonDefault}
		}
		model, reason := pick(cfg, student, subject, failures)
		return Decision{Model: model, ABCTestingActive: true, Changed: true, Reason: reason}
	}

	d := Decision{Model: existing.AssignedModel, ABCTestingActive: active, Reason: ReasonKept}
	if active && !cfg.KeepModel {
		d.Model, d.Reason = pick(cfg, student, subject, failures)
	}
	d.Changed = d.Model != existing.AssignedModel || d.ABCTestingActive != existing.ABCTestingActive
	return d
}

func pick(cfg *SubjectVariants, student, subject string, failures map[string]int) (string, string) {
	switch {
	case cfg.CostPriority:
		return cheapest(cfg.Variants), ReasonCost
	case cfg.FewerReportedPriority:
		return fewestReported(cfg.Variants, failures), ReasonFewerReported
	default:
		return weighted(cfg.Variants, student, subject), ReasonWeighted
	}
}

// cheapest returns the lowest-cost model; ties go to the earlier variant.
func cheapest(vs []Variant) string {
	best := 0
	for i := 1; i < len(vs); i++ {
		if vs[i].Cost < vs[best].Cost {
			best = i
		}
	}
	return vs[best].Model
}

// fewestReported returns the model with the fewest reports; ties go to the
// earlier variant.
func fewestReported(vs []Variant, failures map[string]int) string {
	best := 0
	for i := 1; i < len(vs); i++ {
		if failures[vs[i].Model] < failures[vs[best].Model] {
			best = i
		}
	}
	return vs[best].Model
}

// weighted maps the student and subject onto the cumulative weight range.
// The same pair always lands on the same variant for a fixed config.
func weighted(vs []Variant, student, subject string) string {
	total := 0.0
	for _, v := range vs {
		total += effectiveWeight(v)
	}
	h := fnv.New64a()
	h.Write([]byte(student + "|" + subject))
	point := float64(h.Sum64()) / float64(math.MaxUint64) * total

	acc := 0.0
	for _, v := range vs {
		acc += effectiveWeight(v)
		if point < acc {
			return v.Model
		}
	}
	return vs[len(vs)-1].Model
}

func effectiveWeight(v Variant) float64 {
	if v.Weight <= 0 {
		return 1
	}
	return v.Weight
}
