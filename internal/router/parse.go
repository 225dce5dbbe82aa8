package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnparseable is returned when no JSON object can be recovered from a
// completion.
var ErrUnparseable = errors.New("router: completion contains no parseable JSON object")

// rawDecision is the wire shape requested from the completion service.
type rawDecision struct {
	EndpointIndex *int           `json:"endpointIndex"`
	ServiceID     *string        `json:"serviceId,omitempty"`
	Params        map[string]any `json:"params"`
	Confidence    *float64       `json:"confidence,omitempty"`
}

var fenceRe = regexp.MustCompile("```[a-zA-Z]*")

// parseCompletion recovers the decision object from free-form model text:
// code fences are stripped, the text is cut to the outermost braces, and
// when that does not parse, the first decodable object that starts at any
// brace and names an endpoint is used.
func parseCompletion(raw string) (rawDecision, error) {
	text := strings.TrimSpace(fenceRe.ReplaceAllString(raw, ""))

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return rawDecision{}, ErrUnparseable
	}
	candidate := text[start : end+1]

	var out rawDecision
	err := json.Unmarshal([]byte(candidate), &out)
	if err == nil {
		return out, nil
	}
	if narrow, ok := firstDecisionObject(candidate); ok {
		return narrow, nil
	}
	return rawDecision{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
}

func firstDecisionObject(text string) (rawDecision, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&obj); err != nil {
			continue
		}
		_, hasIndex := obj["endpointIndex"]
		_, hasService := obj["serviceId"]
		if !hasIndex && !hasService {
			continue
		}
		var out rawDecision
		encoded, err := json.Marshal(obj)
		if err != nil || json.Unmarshal(encoded, &out) != nil {
			continue
		}
		return out, true
	}
	return rawDecision{}, false
}
