package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/chatbridge/pkg/eventstream"
	"github.com/papercomputeco/chatbridge/pkg/framer"
	"github.com/papercomputeco/chatbridge/pkg/hub"
	"github.com/papercomputeco/chatbridge/pkg/session"
	"github.com/papercomputeco/chatbridge/pkg/upstream"
)

// Chat history defaults.
const (
	DefaultHistoryType   = "general"
	DefaultHistoryName   = "General"
	DefaultHistoryLimit  = 50
	DefaultHistoryOffset = 0
)

const (
	messageCommandSent  = "command sent"
	messageRequestSent  = "request sent"
	messageDisconnected = "disconnected"
)

var connectedEvent = json.RawMessage(`{"type":"connected"}`)

// handleError renders every handler error as {"success":false,"message"}.
func (b *Bridge) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	if code >= fiber.StatusInternalServerError {
		b.logger.Error("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"error", err,
		)
	}

	return c.Status(code).JSON(Response{Success: false, Message: err.Error()})
}

func (b *Bridge) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

func (b *Bridge) handleLogin(c *fiber.Ctx) error {
	return b.authenticate(c, upstream.CommandLogin, fiber.StatusUnauthorized)
}

func (b *Bridge) handleRegister(c *fiber.Ctx) error {
	return b.authenticate(c, upstream.CommandRegister, fiber.StatusBadRequest)
}

// authenticate opens a connection, performs the greeting and credential
// exchange and binds the connection to a new session. A rejected or failed
// exchange closes the connection before responding.
func (b *Bridge) authenticate(c *fiber.Ctx, command string, rejectStatus int) error {
	var req credentialsRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Username == "" {
		return missingField("username")
	}
	if req.Password == "" {
		return missingField("password")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), b.config.LoginTimeout)
	defer cancel()

	conn, err := upstream.Dial(ctx, b.config.UpstreamAddr, b.upstreamOptions())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("chat server connection error: %v", err))
	}

	reply, err := conn.Handshake(ctx, upstream.Command{
		Command:  command,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		_ = conn.Close()
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("%s failed: %v", command, err))
	}
	if !reply.OK() {
		_ = conn.Close()
		b.logger.Info("credentials rejected", "command", command, "username", req.Username)
		message := reply.Message
		if message == "" {
			message = command + " rejected"
		}
		return fiber.NewError(rejectStatus, message)
	}

	sess, err := b.openSession(conn, req.Username)
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, hub.MessageShutdown)
	}

	b.logger.Info("session opened",
		"command", command,
		"username", sess.Username,
		"session", sess.ShortID(),
	)

	return c.JSON(Response{
		Success:   true,
		SessionID: sess.ID,
		Message:   reply.Message,
	})
}

func (b *Bridge) handleDisconnect(c *fiber.Ctx) error {
	sess, err := b.session(c)
	if err != nil {
		return err
	}

	sess.SetCloseReason(hub.MessageDisconnected)
	b.dispatch(c, sess, upstream.Command{
		Command:   upstream.CommandDisconnect,
		Username:  sess.Username,
		SessionID: sess.ID,
	})

	// Give the chat server a moment to push its last notifications.
	if b.config.DisconnectGrace > 0 {
		timer := time.NewTimer(b.config.DisconnectGrace)
		select {
		case <-timer.C:
		case <-sess.Conn.Done():
		case <-b.closing:
		}
		timer.Stop()
	}

	b.hub.EndSession(sess, hub.MessageDisconnected)

	return c.JSON(Response{Success: true, Message: messageDisconnected})
}

func (b *Bridge) handleSendMessage(c *fiber.Ctx) error {
	sess, err := b.session(c)
	if err != nil {
		return err
	}

	var req sendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	b.dispatch(c, sess, upstream.Command{
		Command:   req.Command,
		Text:      req.Text,
		Recipient: req.Recipient,
		GroupName: req.GroupName,
		Type:      req.Type,
		To:        req.To,
		SDP:       req.SDP,
		Candidate: req.Candidate,
	})

	return c.JSON(Response{Success: true})
}

func (r sendMessageRequest) validate() error {
	if r.Command == "" {
		return missingField("command")
	}

	switch r.Command {
	case upstream.CommandPrivateMessage:
		if r.Recipient == "" {
			return missingField("recipient")
		}
	case upstream.CommandGroupMessage:
		if r.GroupName == "" {
			return missingField("group_name")
		}
	}

	switch r.Command {
	case upstream.CommandPublicMessage, upstream.CommandPrivateMessage, upstream.CommandGroupMessage:
		if r.Text == "" {
			return missingField("text")
		}
	}
	return nil
}

func (b *Bridge) handleChatHistory(c *fiber.Ctx) error {
	sess, err := b.session(c)
	if err != nil {
		return err
	}

	var req chatHistoryRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	cmd := upstream.Command{
		Command: upstream.CommandGetChatHistory,
		Type:    DefaultHistoryType,
		Name:    DefaultHistoryName,
		Limit:   intPtr(DefaultHistoryLimit),
		Offset:  intPtr(DefaultHistoryOffset),
	}
	if req.Type != "" {
		cmd.Type = req.Type
	}
	if req.Name != "" {
		cmd.Name = req.Name
	}
	if req.Limit != nil && *req.Limit > 0 {
		cmd.Limit = req.Limit
	}
	if req.Offset != nil && *req.Offset > 0 {
		cmd.Offset = req.Offset
	}

	msg, err := sess.Conn.Request(c.UserContext(), cmd, upstream.RequestOptions{
		Match: upstream.MatchType(upstream.TypeChatHistoryResponse),
	})
	if err != nil {
		return historyError(err)
	}
	b.publishCommand(sess, cmd.Command, c.Path())

	var history upstream.ChatHistory
	if err := json.Unmarshal(msg, &history); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("decoding chat history: %v", err))
	}
	if history.Type != upstream.TypeChatHistoryResponse {
		return fiber.NewError(fiber.StatusInternalServerError, "unexpected reply from chat server")
	}
	if history.Messages == nil {
		history.Messages = []json.RawMessage{}
	}

	return c.JSON(ChatHistoryResponse{
		Success:  true,
		Messages: history.Messages,
		ChatType: history.ChatType,
		ChatName: history.ChatName,
	})
}

func historyError(err error) error {
	var perr *framer.ParseError
	switch {
	case errors.Is(err, upstream.ErrRequestInFlight):
		return fiber.NewError(fiber.StatusConflict, "another request is already waiting for the chat server")
	case errors.Is(err, upstream.ErrTimeout):
		return fiber.NewError(fiber.StatusInternalServerError, "timed out waiting for chat history")
	case errors.As(err, &perr):
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("malformed reply from chat server: %v", perr))
	default:
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("chat history request failed: %v", err))
	}
}

func (b *Bridge) handleCreateGroup(c *fiber.Ctx) error {
	return b.groupCommand(c, upstream.CommandCreateGroup, false)
}

func (b *Bridge) handleInviteToGroup(c *fiber.Ctx) error {
	return b.groupCommand(c, upstream.CommandInviteToGroup, true)
}

func (b *Bridge) handleLeaveGroup(c *fiber.Ctx) error {
	return b.groupCommand(c, upstream.CommandLeaveGroup, false)
}

func (b *Bridge) groupCommand(c *fiber.Ctx, command string, invite bool) error {
	sess, err := b.session(c)
	if err != nil {
		return err
	}

	var req groupRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.GroupName == "" {
		return missingField("group_name")
	}
	if invite && req.UserToInvite == "" {
		return missingField("user_to_invite")
	}

	cmd := upstream.Command{Command: command, GroupName: req.GroupName}
	if invite {
		cmd.UserToInvite = req.UserToInvite
	}
	b.dispatch(c, sess, cmd)

	return c.JSON(Response{Success: true, Message: messageCommandSent})
}

func (b *Bridge) handleGroupMembers(c *fiber.Ctx) error {
	sess, err := b.session(c)
	if err != nil {
		return err
	}

	groupName := c.Query("group_name")
	if groupName == "" {
		return missingField("group_name")
	}

	b.dispatch(c, sess, upstream.Command{
		Command:   upstream.CommandGetGroupMember,
		GroupName: groupName,
	})

	return c.JSON(Response{Success: true, Message: messageCommandSent})
}

func (b *Bridge) handleOnlineUsers(c *fiber.Ctx) error {
	if _, err := b.session(c); err != nil {
		return err
	}

	return c.JSON(Response{Success: true, Users: b.onlineUsers()})
}

func (b *Bridge) handleAllUsers(c *fiber.Ctx) error {
	sess, err := b.session(c)
	if err != nil {
		return err
	}

	b.dispatch(c, sess, upstream.Command{Command: upstream.CommandGetAllUsers})

	return c.JSON(Response{
		Success: true,
		Users:   b.onlineUsers(),
		Message: messageRequestSent,
	})
}

func (b *Bridge) handleMessageStream(c *fiber.Ctx) error {
	sess, err := b.session(c)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	sink := newStreamSink(pw, b.config.StreamBufferSize, b.config.HeartbeatInterval, b.logger.With(
		"username", sess.Username,
		"session", sess.ShortID(),
	))

	// The greeting is queued before subscribing so it precedes any push.
	_ = sink.Send(connectedEvent)

	sub, err := b.hub.AddSubscriber(sess, sink)
	if err != nil {
		_ = pw.Close()
		return fiber.NewError(fiber.StatusUnauthorized, "invalid session")
	}
	sink.start(sub.Remove)

	b.headerHandler.SetEventStreamHeaders(c)
	c.Context().Response.SetBodyStream(pr, -1)
	return nil
}

// session resolves the bearer token of the request. Unknown, removed and
// missing tokens are all unauthorized.
func (b *Bridge) session(c *fiber.Ctx) (*session.Session, error) {
	token := b.headerHandler.BearerToken(c)
	if token == "" {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "missing session token")
	}
	sess, err := b.registry.Authorize(token)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "invalid session")
	}
	return sess, nil
}

// dispatch writes a fire-and-forget command. The outcome reaches the client
// on its message stream, so write failures are only logged.
func (b *Bridge) dispatch(c *fiber.Ctx, sess *session.Session, cmd upstream.Command) {
	if err := sess.Conn.Send(cmd); err != nil {
		b.logger.Error("sending command upstream",
			"command", cmd.Command,
			"username", sess.Username,
			"session", sess.ShortID(),
			"error", err,
		)
		return
	}
	b.publishCommand(sess, cmd.Command, c.Path())
}

func (b *Bridge) publishCommand(sess *session.Session, command, path string) {
	event, err := eventstream.NewEvent(eventstream.EventTypeCommandSent, sess.Username, eventstream.CommandPayload{
		Session: sess.ShortID(),
		Command: command,
		Path:    path,
	})
	if err != nil {
		b.logger.Error("building command event", "error", err)
		return
	}
	b.workerPool.Enqueue(event)
}

func (b *Bridge) onlineUsers() []string {
	users := b.registry.Usernames()
	if users == nil {
		users = []string{}
	}
	return users
}

func (b *Bridge) upstreamOptions() upstream.Options {
	return upstream.Options{
		RequestTimeout: b.config.RequestTimeout,
		WriteTimeout:   b.config.WriteTimeout,
		MaxLineBytes:   b.config.MaxLineBytes,
		Logger:         b.baseLogger,
	}
}

// parseBody decodes the JSON body into v. An empty body leaves v zeroed.
func parseBody(c *fiber.Ctx, v any) error {
	body := c.Body()
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func missingField(name string) error {
	return fiber.NewError(fiber.StatusBadRequest, "missing field: "+name)
}

func intPtr(v int) *int {
	return &v
}
