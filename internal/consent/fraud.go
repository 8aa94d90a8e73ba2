package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/medrex/consent-engine/internal/counter"
	"github.com/medrex/consent-engine/pkg/config"
	"github.com/medrex/consent-engine/pkg/types"
)

// Severity grades a fraud assessment
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

func maxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// FraudAssessment is the result of one evaluation
type FraudAssessment struct {
	Suspicious bool     `json:"suspicious"`
	Severity   Severity `json:"severity"`
	Reasons    []string `json:"reasons"`
}

func (a *FraudAssessment) raise(s Severity, reason string) {
	a.Suspicious = true
	a.Severity = maxSeverity(a.Severity, s)
	a.Reasons = append(a.Reasons, reason)
}

// Details renders the assessment for an audit payload
func (a *FraudAssessment) Details() map[string]interface{} {
	return map[string]interface{}{
		"suspicious": a.Suspicious,
		"severity":   string(a.Severity),
		"reasons":    a.Reasons,
	}
}

// FraudSubject identifies who is acting on which patient
type FraudSubject struct {
	UserID    string
	OrgID     string
	PatientID string
	Action    types.AuditAction
}

// FraudDetector scores actions against volume, time-of-day and repetition heuristics
type FraudDetector struct {
	store              counter.Store
	location           *time.Location
	nightStart         int
	nightEnd           int
	maxRequestsPerHour int64
	maxAccessPerHour   int64
	repeatWindow       time.Duration
}

// NewFraudDetector creates a detector from the fraud policy
func NewFraudDetector(store counter.Store, cfg config.FraudConfig) (*FraudDetector, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load fraud timezone %q: %w", cfg.Timezone, err)
	}
	return &FraudDetector{
		store:              store,
		location:           loc,
		nightStart:         cfg.NightStartHour,
		nightEnd:           cfg.NightEndHour,
		maxRequestsPerHour: int64(cfg.MaxUserRequestsPerHour),
		maxAccessPerHour:   int64(cfg.MaxUserAccessPerHour),
		repeatWindow:       cfg.RepeatWindow,
	}, nil
}

// Evaluate scores one action. Counters are incremented before comparison so
// the call being evaluated is included in its own volume.
func (f *FraudDetector) Evaluate(ctx context.Context, s FraudSubject, now time.Time) (*FraudAssessment, error) {
	a := &FraudAssessment{Severity: SeverityLow, Reasons: []string{}}

	switch s.Action {
	case types.AuditRequest:
		if s.UserID != "" {
			n, err := f.store.Incr(ctx, fmt.Sprintf("fraud:requests:user:%s", s.UserID), time.Hour)
			if err != nil {
				return nil, err
			}
			if n > f.maxRequestsPerHour {
				a.raise(SeverityHigh, fmt.Sprintf("mass requests from one user: %d in the last hour", n))
			}
		}

		n, err := f.store.Incr(ctx, fmt.Sprintf("fraud:rapid:org:%s:patient:%s", s.OrgID, s.PatientID), f.repeatWindow)
		if err != nil {
			return nil, err
		}
		if n > 1 {
			a.raise(SeverityMedium, "repeat request to the same patient within a short period")
		}

	case types.AuditRead, types.AuditWrite:
		if s.UserID != "" {
			n, err := f.store.Incr(ctx, fmt.Sprintf("fraud:access:user:%s", s.UserID), time.Hour)
			if err != nil {
				return nil, err
			}
			if n > f.maxAccessPerHour {
				a.raise(SeverityHigh, fmt.Sprintf("high access frequency: %d per hour", n))
			}
		}
	}

	if hour := now.In(f.location).Hour(); hour >= f.nightStart && hour < f.nightEnd {
		a.raise(SeverityMedium, fmt.Sprintf("activity during night hours (%02d:00-%02d:00)", f.nightStart, f.nightEnd))
	}

	return a, nil
}
