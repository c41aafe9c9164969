package mqtt

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/junction/internal/lane"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "junction"

// Topics builds the topic hierarchy under one prefix:
//
//	<prefix>/status        online/offline (retained)
//	<prefix>/snapshot      latest status snapshot (retained)
//	<prefix>/program       latest transmitted program (retained)
//	<prefix>/lane/<n>      signal aspect for lane n, 1-based (retained)
type Topics struct {
	prefix string
}

// NewTopics returns builders for prefix, trimming surrounding slashes.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

func (t Topics) Status() string   { return t.prefix + "/status" }
func (t Topics) Snapshot() string { return t.prefix + "/snapshot" }
func (t Topics) Program() string  { return t.prefix + "/program" }

// Lane returns the aspect topic for id.
func (t Topics) Lane(id lane.ID) string {
	return t.prefix + "/lane/" + strconv.Itoa(int(id)+1)
}

type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func buildStatusPayload(clientID, status, reason string) []byte {
	b, _ := json.Marshal(statusPayload{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}
