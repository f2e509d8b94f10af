package envelope

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Encode serializes an envelope to its JSON wire form. Identifiers are
// written in their canonical 26-character text form.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode envelope")
	}
	return data, nil
}

// Decode reads an envelope from its JSON wire form.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "unable to decode envelope")
	}
	return e, nil
}
