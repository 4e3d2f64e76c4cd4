package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the discriminant of a protocol message.
type Type string

const (
	TypeReady          Type = "ready"
	TypeStart          Type = "start"
	TypeProgress       Type = "progress"
	TypeLog            Type = "log"
	TypeSampleRequest  Type = "sample_request"
	TypeSampleResponse Type = "sample_response"
	TypeElicitRequest  Type = "elicit_request"
	TypeElicitResponse Type = "elicit_response"
	TypeResult         Type = "result"
	TypeError          Type = "error"
	TypeCancelled      Type = "cancelled"
	TypeCancel         Type = "cancel"
)

// Valid reports whether t is one of the known message types.
func (t Type) Valid() bool {
	switch t {
	case TypeReady, TypeStart, TypeProgress, TypeLog, TypeSampleRequest, TypeSampleResponse,
		TypeElicitRequest, TypeElicitResponse, TypeResult, TypeError, TypeCancelled, TypeCancel:
		return true
	}
	return false
}

// HostBound reports whether messages of this type travel from the worker to
// the host and therefore carry an lsn.
func (t Type) HostBound() bool {
	switch t {
	case TypeProgress, TypeLog, TypeSampleRequest, TypeElicitRequest, TypeResult, TypeError, TypeCancelled:
		return true
	}
	return false
}

// Terminal reports whether the type ends a session.
func (t Type) Terminal() bool {
	return t == TypeResult || t == TypeError || t == TypeCancelled
}

// LogLevel is the severity of a log message emitted by a tool.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// Role identifies the speaker of a sampling message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SamplingMessage is one turn of the conversation sent with a sample request.
type SamplingMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SampleOptions carries model preferences for a sample request. All fields
// are advisory; providers ignore what they do not support.
type SampleOptions struct {
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	Model         string   `json:"model,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

// SampleResult is the completion delivered in response to a sample request.
type SampleResult struct {
	Text       string `json:"text"`
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

// ElicitAction is the user's disposition toward an elicitation.
type ElicitAction string

const (
	ElicitActionAccept  ElicitAction = "accept"
	ElicitActionDecline ElicitAction = "decline"
	ElicitActionCancel  ElicitAction = "cancel"
)

// Valid reports whether a is one of the known actions.
func (a ElicitAction) Valid() bool {
	return a == ElicitActionAccept || a == ElicitActionDecline || a == ElicitActionCancel
}

// ElicitResult is the user's answer to an elicit request. Content is only
// meaningful when Action is accept.
type ElicitResult struct {
	Action  ElicitAction    `json:"action"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Capabilities advertises which backchannels the host can serve for a session.
type Capabilities struct {
	Sampling    bool `json:"sampling"`
	Elicitation bool `json:"elicitation"`
}

// Body holds the variant fields of every message type. Only the fields
// relevant to a given Type are populated.
type Body struct {
	// start
	ToolName     string          `json:"toolName,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	Capabilities *Capabilities   `json:"capabilities,omitempty"`

	// progress, log, elicit_request, error
	Message  string   `json:"message,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Level    LogLevel `json:"level,omitempty"`

	// sample_request, sample_response
	SampleID   string            `json:"sampleId,omitempty"`
	Messages   []SamplingMessage `json:"messages,omitempty"`
	Options    *SampleOptions    `json:"options,omitempty"`
	Text       string            `json:"text,omitempty"`
	Model      string            `json:"model,omitempty"`
	StopReason string            `json:"stopReason,omitempty"`

	// elicit_request, elicit_response
	ElicitID string          `json:"elicitId,omitempty"`
	Key      string          `json:"key,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
	Action   ElicitAction    `json:"action,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`

	// result
	Value json.RawMessage `json:"value,omitempty"`

	// error
	Name  string `json:"name,omitempty"`
	Stack string `json:"stack,omitempty"`

	// cancel, cancelled
	Reason string `json:"reason,omitempty"`
}

// SampleResult extracts the completion carried by a sample_response.
func (b Body) SampleResult() SampleResult {
	return SampleResult{Text: b.Text, Model: b.Model, StopReason: b.StopReason}
}

// ElicitResult extracts the answer carried by an elicit_response.
func (b Body) ElicitResult() ElicitResult {
	return ElicitResult{Action: b.Action, Content: b.Content}
}

// Message is a single protocol message.
type Message struct {
	Type Type  `json:"type"`
	LSN  int64 `json:"lsn,omitempty"`
	Body
}

var (
	ErrUnknownType   = errors.New("protocol: unknown message type")
	ErrMissingField  = errors.New("protocol: missing required field")
	ErrInvalidField  = errors.New("protocol: invalid field value")
	ErrMalformedJSON = errors.New("protocol: malformed message")
)

func missing(t Type, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMissingField, t, field)
}

// Validate checks that m carries the fields its type requires.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.LSN < 0 {
		return fmt.Errorf("%w: negative lsn %d", ErrInvalidField, m.LSN)
	}
	switch m.Type {
	case TypeStart:
		if m.ToolName == "" {
			return missing(m.Type, "toolName")
		}
	case TypeProgress:
		if m.Progress != nil && (*m.Progress < 0 || *m.Progress > 1) {
			return fmt.Errorf("%w: progress %v outside [0,1]", ErrInvalidField, *m.Progress)
		}
	case TypeLog:
		if !m.Level.valid() {
			return fmt.Errorf("%w: log level %q", ErrInvalidField, m.Level)
		}
	case TypeSampleRequest:
		if m.SampleID == "" {
			return missing(m.Type, "sampleId")
		}
		if len(m.Messages) == 0 {
			return missing(m.Type, "messages")
		}
	case TypeSampleResponse:
		if m.SampleID == "" {
			return missing(m.Type, "sampleId")
		}
	case TypeElicitRequest:
		if m.ElicitID == "" {
			return missing(m.Type, "elicitId")
		}
		if len(m.Schema) == 0 {
			return missing(m.Type, "schema")
		}
	case TypeElicitResponse:
		if m.ElicitID == "" {
			return missing(m.Type, "elicitId")
		}
		if !m.Action.Valid() {
			return fmt.Errorf("%w: elicit action %q", ErrInvalidField, m.Action)
		}
	case TypeError:
		if m.Name == "" {
			return missing(m.Type, "name")
		}
	}
	return nil
}

// Encode validates m and returns its wire representation.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a wire message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Clone returns a deep copy of m by round-tripping it through its wire form.
// Transports that live in a single address space use it so that neither side
// can observe mutations made by the other.
func Clone(m Message) (Message, error) {
	b, err := Encode(m)
	if err != nil {
		return Message{}, err
	}
	return Decode(b)
}
