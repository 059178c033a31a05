package domain

import "time"

// Event is one threat observation delivered by the event source.
type Event struct {
	Address   string    `json:"address"`
	Country   string    `json:"country"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
}

// AdmissionOutcome says what an admission did to the store.
type AdmissionOutcome string

const (
	// OutcomeInserted means a new rule was created (and possibly one evicted).
	OutcomeInserted AdmissionOutcome = "inserted"
	// OutcomeRefreshed means an existing rule only had its lastSeen updated.
	OutcomeRefreshed AdmissionOutcome = "refreshed"
)

// AdmissionResult is returned for each admitted event.
type AdmissionResult struct {
	Prefix            string             `json:"prefix"`
	Outcome           AdmissionOutcome   `json:"outcome"`
	MembershipChanged bool               `json:"membershipChanged"`
	RuleNumber        int64              `json:"ruleNumber"`
	Evicted           string             `json:"evicted,omitempty"`
	Mirrors           []MirrorSyncResult `json:"mirrors,omitempty"`
}

// BatchAdmissionResult is one entry of a batch admission response.
type BatchAdmissionResult struct {
	Index  int              `json:"index"`
	Result *AdmissionResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// SweepResult is returned by a retention sweep.
type SweepResult struct {
	RetentionDays int                `json:"retentionDays"`
	Cutoff        string             `json:"cutoff"`
	Evicted       int                `json:"evicted"`
	Mirrors       []MirrorSyncResult `json:"mirrors,omitempty"`
}
