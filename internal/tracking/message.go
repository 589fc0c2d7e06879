// Package tracking carries analytics records off the ingestion hosts and
// serves the public tracking endpoints the site snippet calls.
//
// Records travel either over SQS or Kafka. Both transports key messages by
// visitor id (SQS FIFO message group, Kafka partition key) so a visitor's
// records keep their order end to end. The consumers write into an
// analytics.Sink, normally the Postgres analytics store.
package tracking

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/intent-engine/internal/analytics"
)

// ErrBadMessage marks a payload that can never be processed.
var ErrBadMessage = errors.New("malformed analytics message")

const messageVersion = 1

type envelope struct {
	Version int              `json:"v"`
	Record  analytics.Record `json:"record"`
}

// Encode serializes rec for a transport.
func Encode(rec analytics.Record) ([]byte, error) {
	return json.Marshal(envelope{Version: messageVersion, Record: rec})
}

// Decode parses a transport payload.
func Decode(b []byte) (analytics.Record, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return analytics.Record{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if env.Version != messageVersion {
		return analytics.Record{}, fmt.Errorf("%w: version %d", ErrBadMessage, env.Version)
	}
	if env.Record.EventID == "" || env.Record.WebsiteID == "" || env.Record.VisitorID == "" {
		return analytics.Record{}, fmt.Errorf("%w: missing ids", ErrBadMessage)
	}
	return env.Record, nil
}
