package types

// ChatResponse is the normalized unary result of a completed generation.
type ChatResponse struct {
	Text         string                 `json:"text"`
	ProviderName string                 `json:"provider_name"`
	Model        string                 `json:"model"`
	ProviderMeta map[string]interface{} `json:"provider_meta,omitempty"`
}

// HealthStatus reports the gateway's own view of provider availability for
// GET /health.
type HealthStatus struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version"`
	Providers map[string]ProviderHealth `json:"providers"`
}

// ProviderHealth supplements the base "available"/"blacklisted" state with
// the remaining quarantine TTL, grounded on the original source's
// is_provider_blacklisted/TTL read pattern.
type ProviderHealth struct {
	State             string `json:"state"` // "available" | "blacklisted"
	BlacklistTTLSecs  int64  `json:"blacklist_ttl_seconds,omitempty"`
	ConsecutiveErrors int64  `json:"consecutive_failures,omitempty"`
}
