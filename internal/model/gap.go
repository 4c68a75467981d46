package model

import "time"

// GapStatus is the resolution state of a gap.
type GapStatus string

const (
	GapStatusOpen     GapStatus = "open"
	GapStatusResolved GapStatus = "resolved"
)

// Gap is a missing or ambiguous fact for a case. Gaps are never deleted;
// re-opening a resolved gap_key produces a new row.
type Gap struct {
	ID         string     `json:"id"`
	CaseID     string     `json:"case_id"`
	GapKey     string     `json:"gap_key"`
	Category   string     `json:"gap_category"`
	Question   string     `json:"question"`
	IsBlocking bool       `json:"is_blocking"`
	Status     GapStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IsOpenBlocking reports whether the gap currently prevents pricing.
func (g *Gap) IsOpenBlocking() bool {
	return g.IsBlocking && g.Status == GapStatusOpen
}
