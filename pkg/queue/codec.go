package queue

import "encoding/json"

// Codec converts payloads to and from the opaque bytes handed to the
// backend. The engine only requires the round trip to be faithful; it never
// looks inside the encoded form.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte) (any, error)
}

// JSONCodec is the default codec. It round-trips null, booleans, numbers,
// strings, and arbitrarily nested containers.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
