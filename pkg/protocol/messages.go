// Package protocol defines the cubby wire records and their codec.
//
// After the handshake, client and server exchange newline-delimited JSON
// records: the client sends Command records, the server replies with
// Response records. Fields are tagged rather than positional so additive
// fields do not break older peers.
package protocol

// Handshake tokens exchanged as raw lines before any JSON record.
const (
	HelloToken  = "HELLO"
	AckToken    = "ACK"
	RejectToken = "REJECTED"
)

// Action identifies the operation a Command requests.
type Action string

const (
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
	ActionPreview  Action = "preview"
	ActionDelete   Action = "delete"
	ActionList     Action = "list"
	ActionExit     Action = "exit"
)

// RequiresFilename reports whether the action carries a filename.
func (a Action) RequiresFilename() bool {
	switch a {
	case ActionUpload, ActionDownload, ActionPreview, ActionDelete:
		return true
	default:
		return false
	}
}

// Valid reports whether the action is one the protocol defines.
func (a Action) Valid() bool {
	switch a {
	case ActionUpload, ActionDownload, ActionPreview, ActionDelete, ActionList, ActionExit:
		return true
	default:
		return false
	}
}

// Status classifies a Response.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusShutdown Status = "shutdown"
)

// Credentials is the single authentication record sent after the handshake.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Command is one client request.
type Command struct {
	Action   Action `json:"action"`
	Filename string `json:"filename,omitempty"`
}

// Response is one server reply. Files is set for list, Preview for preview.
type Response struct {
	Status  Status   `json:"status"`
	Message string   `json:"message,omitempty"`
	Files   []string `json:"files,omitempty"`
	Preview string   `json:"preview,omitempty"`
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}
