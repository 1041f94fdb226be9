package types

// Event is the flattened wire form of an engine or custody event: a type tag
// plus string attributes, ready for JSON transport or audit indexing.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
