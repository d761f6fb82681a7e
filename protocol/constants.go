// Package protocol defines the structures and constants for the Jupyter kernel messaging protocol.
package protocol

const (
	// CurrentProtocolVersion is the messaging protocol version stamped into outbound headers.
	CurrentProtocolVersion = "5.3"

	// DefaultSignatureScheme is the HMAC scheme used when a connection file does not name one.
	DefaultSignatureScheme = "hmac-sha256"

	// DefaultUsername is stamped into headers when the caller does not set one.
	DefaultUsername = "gokernel"

	// --- Message Type Constants ---
	// These align with the msg_type header field names from the messaging spec.

	// Execution
	MsgExecuteRequest = "execute_request"
	MsgExecuteReply   = "execute_reply"
	MsgExecuteInput   = "execute_input"  // IOPub
	MsgExecuteResult  = "execute_result" // IOPub
	MsgDisplayData    = "display_data"   // IOPub
	MsgStream         = "stream"         // IOPub
	MsgError          = "error"          // IOPub

	// Introspection
	MsgInspectRequest    = "inspect_request"
	MsgInspectReply      = "inspect_reply"
	MsgCompleteRequest   = "complete_request"
	MsgCompleteReply     = "complete_reply"
	MsgIsCompleteRequest = "is_complete_request"
	MsgIsCompleteReply   = "is_complete_reply"
	MsgHistoryRequest    = "history_request"
	MsgHistoryReply      = "history_reply"
	MsgCommInfoRequest   = "comm_info_request"
	MsgCommInfoReply     = "comm_info_reply"

	// Kernel lifecycle
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
	MsgInterruptRequest  = "interrupt_request"
	MsgInterruptReply    = "interrupt_reply"

	// Stdin
	MsgInputRequest = "input_request"
	MsgInputReply   = "input_reply"

	// MsgStatus is published on IOPub whenever the kernel changes execution state.
	// It doubles as the "no specific reply expected" sentinel of ReplyType.
	MsgStatus = "status"

	// Heartbeat pings carry this type on the wire.
	MsgHeartbeat = "heartbeat"

	// Execution states carried by status messages.
	ExecutionStateBusy     = "busy"
	ExecutionStateIdle     = "idle"
	ExecutionStateStarting = "starting"

	// Reply statuses carried by *_reply content.
	StatusOK    = "ok"
	StatusError = "error"
	StatusAbort = "aborted"
)

// replyTypes maps request types to the reply the kernel answers with.
var replyTypes = map[string]string{
	MsgExecuteRequest:    MsgExecuteReply,
	MsgInspectRequest:    MsgInspectReply,
	MsgCompleteRequest:   MsgCompleteReply,
	MsgIsCompleteRequest: MsgIsCompleteReply,
	MsgHistoryRequest:    MsgHistoryReply,
	MsgCommInfoRequest:   MsgCommInfoReply,
	MsgKernelInfoRequest: MsgKernelInfoReply,
	MsgShutdownRequest:   MsgShutdownReply,
	MsgInterruptRequest:  MsgInterruptReply,
	MsgInputRequest:      MsgInputReply,
}

// ReplyType returns the reply type a request of msgType is answered with.
// Unknown request types map to MsgStatus, meaning completion is driven by
// the idle status alone.
func ReplyType(msgType string) string {
	if reply, ok := replyTypes[msgType]; ok {
		return reply
	}
	return MsgStatus
}

// IsTerminalReply reports whether msgType acknowledges irreversible session
// termination. A kernel is not obliged to publish an idle status after it.
func IsTerminalReply(msgType string) bool {
	return msgType == MsgShutdownReply
}
