package topic

// Standard MQTT wildcard definitions.
const (
	// Wildcard is the single-level wildcard "+".
	// It matches exactly one topic level.
	Wildcard = "+"

	// MultiWildcard is the multi-level wildcard "#".
	// It must be the last level of a filter.
	MultiWildcard = "#"
)

// DefaultRoot is the namespace the notification cloud function listens under.
const DefaultRoot = "twilio"
