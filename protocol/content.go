package protocol

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// StatusContent is the content of a status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// StreamContent is the content of a stream message (stdout/stderr chunk).
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ExecuteRequest is the content of an execute_request.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReply is the content of an execute_reply.
type ExecuteReply struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
	ErrorContent   `json:",squash"`
}

// ExecuteResult is the content of an execute_result or display_data message.
type ExecuteResult struct {
	ExecutionCount int            `json:"execution_count"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
}

// Text returns the text/plain representation, or "" when absent.
func (r ExecuteResult) Text() string {
	s, _ := r.Data["text/plain"].(string)
	return s
}

// ErrorContent carries the error fields shared by error messages and failed replies.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// InspectReply is the content of an inspect_reply.
type InspectReply struct {
	Status   string         `json:"status"`
	Found    bool           `json:"found"`
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// LanguageInfo describes the kernel language in a kernel_info_reply.
type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	MimeType      string `json:"mimetype"`
	FileExtension string `json:"file_extension"`
}

// KernelInfoReply is the content of a kernel_info_reply.
type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

// ShutdownReply is the content of a shutdown_reply.
type ShutdownReply struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// DecodeContent decodes msg.Content into target, which must be a pointer to a struct.
// Field names follow the json tags of the target.
func DecodeContent(msg *Message, target any) error {
	if msg == nil {
		return fmt.Errorf("message is nil, cannot decode content")
	}
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return fmt.Errorf("internal error creating content decoder: %w", err)
	}
	if err := decoder.Decode(msg.Content); err != nil {
		return fmt.Errorf("failed to decode %s content: %w", msg.Header.MsgType, err)
	}
	return nil
}

// EncodeContent turns a content struct into the map form carried by Message.
func EncodeContent(source any) (map[string]any, error) {
	out := map[string]any{}
	decoderConfig := &mapstructure.DecoderConfig{
		Result:  &out,
		TagName: "json",
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("internal error creating content encoder: %w", err)
	}
	if err := decoder.Decode(source); err != nil {
		return nil, fmt.Errorf("failed to encode content %T: %w", source, err)
	}
	return out, nil
}
