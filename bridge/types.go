package bridge

import "encoding/json"

// Response is the JSON body of every non-streaming endpoint. Errors are
// rendered as {"success":false,"message":...}.
type Response struct {
	Success   bool     `json:"success"`
	SessionID string   `json:"sessionId,omitempty"`
	Message   string   `json:"message,omitempty"`
	Users     []string `json:"users,omitempty"`
}

// ChatHistoryResponse is the body of a successful chat history request.
type ChatHistoryResponse struct {
	Success  bool              `json:"success"`
	Messages []json.RawMessage `json:"messages"`
	ChatType string            `json:"chat_type"`
	ChatName string            `json:"chat_name"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sendMessageRequest struct {
	Command   string `json:"command"`
	Text      string `json:"text"`
	Recipient string `json:"recipient"`
	GroupName string `json:"group_name"`

	// Voice signaling fields, forwarded untouched.
	Type      string          `json:"type"`
	To        string          `json:"to"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
}

type chatHistoryRequest struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Limit  *int   `json:"limit"`
	Offset *int   `json:"offset"`
}

type groupRequest struct {
	GroupName    string `json:"group_name"`
	UserToInvite string `json:"user_to_invite"`
}
