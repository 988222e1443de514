package reasoning

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/invopop/jsonschema"
)

// FinalAnswerTool is the synthetic tool the backend calls to finish.
const FinalAnswerTool = "final_answer"

// DecisionKind discriminates Decision.
type DecisionKind string

const (
	DecisionCall  DecisionKind = "capability_call"
	DecisionFinal DecisionKind = "final_answer"
)

// CapabilityCall asks the loop to invoke one capability.
type CapabilityCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ProposedPackage is one dependency named in a final answer.
type ProposedPackage struct {
	Name string `json:"name" jsonschema:"description=Distribution name as published on PyPI"`
	Note string `json:"note,omitempty" jsonschema:"description=Why the project needs it"`
}

// UnmarshalJSON accepts either an object or a bare package name string.
func (p *ProposedPackage) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.Name)
	}
	type plain ProposedPackage
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = ProposedPackage(v)
	return nil
}

// FinalAnswer is the backend's terminal proposal.
type FinalAnswer struct {
	Packages  []ProposedPackage `json:"dependencies" jsonschema:"description=Third-party packages to install in order of importance"`
	Rationale string            `json:"rationale,omitempty" jsonschema:"description=Short explanation of how the list was derived"`
}

// Decision is the two-variant backend reply. Exactly one of Call and Final is
// set, matching Kind.
type Decision struct {
	Kind  DecisionKind    `json:"kind"`
	Call  *CapabilityCall `json:"call,omitempty"`
	Final *FinalAnswer    `json:"final,omitempty"`
}

// FinalAnswerDefinition describes the final_answer tool.
func FinalAnswerDefinition() ToolDefinition {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	params := map[string]any{"type": "object"}
	if b, err := json.Marshal(r.Reflect(&FinalAnswer{})); err == nil {
		var m map[string]any
		if json.Unmarshal(b, &m) == nil {
			delete(m, "$schema")
			delete(m, "$id")
			params = m
		}
	}
	return ToolDefinition{
		Name:        FinalAnswerTool,
		Description: "Finish the investigation and report the third-party packages the project needs.",
		Parameters:  params,
	}
}

// ParseDecision enforces the decision contract on a raw response. The first
// tool call wins; otherwise the text must contain a final answer object.
// Anything else is a *MalformedResponseError.
func ParseDecision(resp *Response) (Decision, error) {
	if resp == nil {
		return Decision{}, &MalformedResponseError{Reason: "empty response"}
	}

	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		if strings.TrimSpace(tc.Name) == "" {
			return Decision{}, &MalformedResponseError{Reason: "tool call without a name", Raw: string(tc.Arguments)}
		}
		if tc.Name == FinalAnswerTool {
			final, err := decodeFinal(tc.Arguments)
			if err != nil {
				return Decision{}, &MalformedResponseError{Reason: err.Error(), Raw: string(tc.Arguments)}
			}
			return Decision{Kind: DecisionFinal, Final: final}, nil
		}
		args := tc.Arguments
		if len(bytes.TrimSpace(args)) == 0 {
			args = json.RawMessage(`{}`)
		}
		return Decision{Kind: DecisionCall, Call: &CapabilityCall{ID: tc.ID, Name: tc.Name, Arguments: args}}, nil
	}

	text := resp.TextContent()
	if text == "" {
		return Decision{}, &MalformedResponseError{Reason: "no tool call and no text"}
	}
	obj, ok := extractJSONObject(text)
	if !ok {
		return Decision{}, &MalformedResponseError{Reason: "reply is neither a capability call nor a final answer", Raw: text}
	}
	final, err := decodeFinal(obj)
	if err != nil {
		return Decision{}, &MalformedResponseError{Reason: err.Error(), Raw: text}
	}
	return Decision{Kind: DecisionFinal, Final: final}, nil
}

// decodeFinal accepts {"final_answer": {...}} or the bare {...} with a
// "dependencies" array.
func decodeFinal(raw json.RawMessage) (*FinalAnswer, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.New("final answer is not a JSON object")
	}
	if inner, ok := fields[FinalAnswerTool]; ok {
		raw = inner
		fields = nil
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.New("final_answer is not a JSON object")
		}
	}
	if _, ok := fields["dependencies"]; !ok {
		return nil, errors.New("final answer has no dependencies field")
	}
	var final FinalAnswer
	if err := json.Unmarshal(raw, &final); err != nil {
		return nil, errors.New("final answer dependencies are malformed: " + err.Error())
	}
	return &final, nil
}

// extractJSONObject finds the first decodable JSON object in text, looking
// inside code fences too.
func extractJSONObject(text string) (json.RawMessage, bool) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil && len(raw) > 0 && raw[0] == '{' {
			return raw, true
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}
