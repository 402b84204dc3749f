package crypto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/tidwall/gjson"
)

// toDeviceFields lists every field a homeserver may use for to-device and
// ephemeral events in an appservice transaction, in processing order.
var toDeviceFields = []string{
	"to_device",
	"org.matrix.msc3202.to_device",
	"de.sorunome.msc2409.to_device",
	"ephemeral",
	"org.matrix.msc2409.ephemeral",
	"de.sorunome.msc2409.ephemeral",
}

// Transaction is an appservice transaction with all to-device aliases
// merged into one list.
type Transaction struct {
	Events   []*homeserver.Event
	ToDevice []json.RawMessage
}

// ParseTransaction decodes a transaction body.
func ParseTransaction(body []byte) (*Transaction, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("crypto: transaction is not valid JSON")
	}
	var txn Transaction
	if events := gjson.GetBytes(body, "events"); events.IsArray() {
		if err := json.Unmarshal([]byte(events.Raw), &txn.Events); err != nil {
			return nil, fmt.Errorf("crypto: parse transaction events: %w", err)
		}
	}
	for _, field := range toDeviceFields {
		gjson.GetBytes(body, escapePath(field)).ForEach(func(_, value gjson.Result) bool {
			if value.IsObject() {
				txn.ToDevice = append(txn.ToDevice, json.RawMessage(value.Raw))
			}
			return true
		})
	}
	return &txn, nil
}

func escapePath(field string) string {
	return strings.ReplaceAll(field, ".", `\.`)
}
