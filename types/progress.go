package types

// Progress is one crawl progress message. Delivered over a channel and
// discarded; the crawl orchestrator owns the counters.
type Progress struct {
	EntityID    string `json:"entity_id"`
	Final       bool   `json:"final"`
	Step        string `json:"step,omitempty"`
	Warnings    int    `json:"warnings"`
	Errors      int    `json:"errors"`
	LastWarning string `json:"last_warning,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}
