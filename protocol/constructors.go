package protocol

import (
	"encoding/json"
)

// Stable error names carried by error messages. Consumers switch on these
// rather than on message text.
const (
	ErrorToolNotFound          = "ToolNotFound"
	ErrorTool                  = "ToolError"
	ErrorToolPanic             = "ToolPanic"
	ErrorWorkerDisconnected    = "WorkerDisconnected"
	ErrorProtocol              = "ProtocolError"
	ErrorCapabilityUnsupported = "CapabilityUnsupported"
	ErrorBranchDepthExceeded   = "BranchDepthExceeded"
	ErrorTokenBudgetExceeded   = "TokenBudgetExceeded"
	ErrorBranchTimeout         = "BranchTimeout"
	ErrorCancelled             = "Cancelled"
)

func Ready() Message { return Message{Type: TypeReady} }

func Start(sessionID, toolName string, params json.RawMessage, caps Capabilities) Message {
	return Message{Type: TypeStart, Body: Body{
		SessionID:    sessionID,
		ToolName:     toolName,
		Params:       params,
		Capabilities: &caps,
	}}
}

// Progress builds a progress message. A nil ratio means the tool reports a
// status message without a completion estimate.
func Progress(message string, ratio *float64) Message {
	return Message{Type: TypeProgress, Body: Body{Message: message, Progress: ratio}}
}

func Log(level LogLevel, message string) Message {
	return Message{Type: TypeLog, Body: Body{Level: level, Message: message}}
}

func SampleRequest(id string, messages []SamplingMessage, opts *SampleOptions) Message {
	return Message{Type: TypeSampleRequest, Body: Body{SampleID: id, Messages: messages, Options: opts}}
}

func SampleResponse(id string, res SampleResult) Message {
	return Message{Type: TypeSampleResponse, Body: Body{
		SampleID:   id,
		Text:       res.Text,
		Model:      res.Model,
		StopReason: res.StopReason,
	}}
}

func ElicitRequest(id, key, message string, schema json.RawMessage) Message {
	return Message{Type: TypeElicitRequest, Body: Body{ElicitID: id, Key: key, Message: message, Schema: schema}}
}

func ElicitResponse(id string, res ElicitResult) Message {
	return Message{Type: TypeElicitResponse, Body: Body{ElicitID: id, Action: res.Action, Content: res.Content}}
}

func Result(value json.RawMessage) Message {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return Message{Type: TypeResult, Body: Body{Value: value}}
}

func Error(name, message, stack string) Message {
	return Message{Type: TypeError, Body: Body{Name: name, Message: message, Stack: stack}}
}

func Cancelled(reason string) Message {
	return Message{Type: TypeCancelled, Body: Body{Reason: reason}}
}

func Cancel(reason string) Message {
	return Message{Type: TypeCancel, Body: Body{Reason: reason}}
}
