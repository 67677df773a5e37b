package types

// Event is the flat attribute view of an engine event. The journal and the
// websocket stream both persist or forward this form.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Lookup returns the first non-empty attribute among keys.
func (e *Event) Lookup(keys ...string) string {
	if e == nil {
		return ""
	}
	for _, key := range keys {
		if value := e.Attributes[key]; value != "" {
			return value
		}
	}
	return ""
}
