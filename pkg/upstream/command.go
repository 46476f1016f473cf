package upstream

import "encoding/json"

// Command names understood by the chat backend.
const (
	CommandLogin          = "login"
	CommandRegister       = "register"
	CommandDisconnect     = "disconnect"
	CommandPublicMessage  = "public_message"
	CommandPrivateMessage = "private_message"
	CommandGroupMessage   = "group_message"
	CommandCreateGroup    = "create_group"
	CommandInviteToGroup  = "invite_to_group"
	CommandLeaveGroup     = "leave_group"
	CommandGetAllUsers    = "get_all_users"
	CommandGetGroupMember = "get_group_members"
	CommandGetChatHistory = "get_chat_history"
)

// Message types pushed by the chat backend.
const (
	TypeNotification        = "notification"
	TypeChat                = "chat"
	TypeChatHistoryResponse = "chat_history_response"
)

// Reply statuses.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusAuthRequired = "auth_required"
)

// Command is the envelope written upstream. Fields left empty are omitted
// from the wire form.
type Command struct {
	Command      string `json:"command"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Text         string `json:"text,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
	UserToInvite string `json:"user_to_invite,omitempty"`

	// Chat history paging.
	Type   string `json:"type,omitempty"`
	Name   string `json:"name,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
	Offset *int   `json:"offset,omitempty"`

	// Voice signaling passthrough.
	To        string          `json:"to,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Reply is the status envelope returned by login and register.
type Reply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OK reports whether the backend accepted the command.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Envelope is the minimal shape shared by pushed messages.
type Envelope struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ChatHistory is the reply to get_chat_history.
type ChatHistory struct {
	Type     string            `json:"type"`
	Messages []json.RawMessage `json:"messages"`
	ChatType string            `json:"chat_type"`
	ChatName string            `json:"chat_name"`
}
