package storage

import "encoding/json"

// Envelope is the versioned wrapper every persisted record in this package
// uses, so records written before a schema change stay readable across
// process restarts. Payload is opaque to the codec; callers decode it into
// their own typed struct.
type Envelope struct {
	Version int             `json:"v"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeRecord wraps payload at the given schema version.
func EncodeRecord(version int, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Version: version, Payload: raw})
}

// DecodeRecord unwraps a record produced by EncodeRecord into out, returning
// the schema version it was written with so callers can branch on upgrades.
func DecodeRecord(data []byte, out interface{}) (int, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return 0, err
	}
	if len(env.Payload) == 0 {
		return env.Version, nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return 0, err
	}
	return env.Version, nil
}
