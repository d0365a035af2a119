package domain

import "time"

// CandidateSummary is one evaluated artifact as stored in a run's program database
type CandidateSummary struct {
	ID             string         `json:"id"`
	Code           string         `json:"code"`
	PublicMetrics  map[string]any `json:"public_metrics,omitempty"`
	PrivateMetrics map[string]any `json:"private_metrics,omitempty"`
	CombinedScore  float64        `json:"combined_score"`
	Generation     int            `json:"generation"`
	ParentIDs      []string       `json:"parent_ids,omitempty"`
	Mutation       MutationType   `json:"mutation_type,omitempty"`
	Feedback       string         `json:"text_feedback,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Solution is the UI-facing candidate shape used by the stateless evolution endpoints
type Solution struct {
	ID             string             `json:"id"`
	Text           string             `json:"text"`
	Fitness        *float64           `json:"fitness"`
	CriteriaScores map[string]float64 `json:"criteriaScores"`
	Generation     int                `json:"generation"`
	ParentID       string             `json:"parentId,omitempty"`
	ParentIDs      []string           `json:"parentIds,omitempty"`
	MutationType   string             `json:"mutationType,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
}
