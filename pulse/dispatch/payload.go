package dispatch

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/teranos/cadence/errors"
)

// Lineage keys merged into every payload. They overwrite keys of the same
// name in json_body.
const (
	PayloadLogID    = "log_id"
	PayloadParentID = "parent_service_id"
	PayloadRootID   = "root_id"
)

// BuildPayload parses body as a JSON object and adds the lineage keys.
//
// An invalid body still yields a payload holding the lineage and the raw body
// under "invalid_json_body", so the record can be stored, along with an
// ErrInvalidRequest.
func BuildPayload(body, logID, parentID, rootID string) (json.RawMessage, error) {
	obj := map[string]interface{}{}
	var bodyErr error
	if strings.TrimSpace(body) != "" {
		if err := json.Unmarshal([]byte(body), &obj); err != nil || obj == nil {
			if err == nil {
				err = errors.New("null is not an object")
			}
			bodyErr = errors.Wrap(errors.Mark(err, errors.ErrInvalidRequest), "invalid json_body")
			obj = map[string]interface{}{"invalid_json_body": body}
		}
	}

	obj[PayloadLogID] = logID
	if parentID != "" {
		obj[PayloadParentID] = parentID
	}
	if rootID != "" {
		obj[PayloadRootID] = rootID
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode payload")
	}
	return raw, bodyErr
}

// followID extracts a log_id named by a 202 body. Numbers are accepted.
func followID(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v struct {
		LogID interface{} `json:"log_id"`
	}
	if err := dec.Decode(&v); err != nil {
		return ""
	}
	switch id := v.LogID.(type) {
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return id.String()
	}
	return ""
}

// responseJSON stores body as JSON: as is when it already is JSON, otherwise
// as {"body": "<text>"}.
func responseJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	raw, _ := json.Marshal(map[string]string{"body": string(body)})
	return raw
}

// diagnostic is the response stored on a dispatch failure.
func diagnostic(message string, statusCode int) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"error":       message,
		"status_code": statusCode,
	})
	return raw
}
