package model

// PurgeCount holds row counts removed by a retention cleanup.
type PurgeCount struct {
	Runs         int64 `json:"runs"`
	Items        int64 `json:"items"`
	Guardrails   int64 `json:"guardrails"`
	RawResponses int64 `json:"raw_responses"`
	CacheEntries int64 `json:"cache_entries"`
}

// Total returns the sum of all counts.
func (p PurgeCount) Total() int64 {
	return p.Runs + p.Items + p.Guardrails + p.RawResponses + p.CacheEntries
}

// IntegrityReport is the result of a structural self-check of the trace store.
type IntegrityReport struct {
	OrphanedItems       int64   `json:"orphaned_items"`
	OrphanedGuardrails  int64   `json:"orphaned_guardrails"`
	OrphanedRawResponse int64   `json:"orphaned_raw_responses"`
	InvalidItemTypes    int64   `json:"invalid_item_types"`
	InvalidGuardrails   int64   `json:"invalid_guardrail_types"`
	HashMismatches      []int64 `json:"hash_mismatches,omitempty"`
	RunsChecked         int64   `json:"runs_checked"`
}

// OK reports whether no problem was found.
func (r IntegrityReport) OK() bool {
	return r.OrphanedItems == 0 &&
		r.OrphanedGuardrails == 0 &&
		r.OrphanedRawResponse == 0 &&
		r.InvalidItemTypes == 0 &&
		r.InvalidGuardrails == 0 &&
		len(r.HashMismatches) == 0
}
