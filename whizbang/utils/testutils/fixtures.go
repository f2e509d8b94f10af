package testutils

import (
	"encoding/json"

	"github.com/icrowley/fake"
)

// FakeOrderPayload builds a small realistic JSON payload for queue
// tests and examples.
func FakeOrderPayload() []byte {
	payload, err := json.Marshal(map[string]any{
		"customer": fake.FullName(),
		"street":   fake.StreetAddress(),
		"city":     fake.City(),
		"product":  fake.ProductName(),
	})
	if err != nil {
		panic(err)
	}
	return payload
}
