package domain

import "time"

// ValueCount is how often a tenant picked one value of a parameter category.
type ValueCount struct {
	Value     string `json:"value"`
	Count     int64  `json:"count"`
	FirstSeen int64  `json:"first_seen"`
}

// PreferenceSnapshot is the persisted, point-in-time view of a tenant's learned preferences.
type PreferenceSnapshot struct {
	TenantID            string                  `json:"tenant_id"`
	Histories           map[string][]ValueCount `json:"histories"`
	Preferred           map[string]string       `json:"preferred"`
	SkipRecommendations bool                    `json:"skip_recommendations"`
	AutoApprove         bool                    `json:"auto_approve"`
	TotalCompletedTasks int64                   `json:"total_completed_tasks"`
	UpdatedAt           time.Time               `json:"updated_at"`
}
