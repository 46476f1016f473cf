package testutils

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Messages sent by Backend.
const (
	BackendGreeting        = "choose login or register"
	BackendRegisterMessage = "welcome"
	BackendLoginMessage    = "welcome back"
	BackendBadCredentials  = "invalid credentials or user already connected"
	BackendUserExists      = "username already exists"
)

// BackendOptions scripts a Backend.
type BackendOptions struct {
	// Users are pre-registered accounts, username to password.
	Users map[string]string

	// LoginPushes are written right after a successful login or register,
	// the way the chat server replays recent history.
	LoginPushes []any

	// SkipGreeting suppresses the auth_required line on connect.
	SkipGreeting bool

	// Silent lists commands that get no reply, to exercise timeouts.
	Silent []string
}

// Backend is an in-process fake of the line-delimited JSON chat server.
type Backend struct {
	ln   net.Listener
	opts BackendOptions

	mu    sync.Mutex
	users map[string]string
	conns map[string]*BackendConn
	all   []*BackendConn

	accepted chan *BackendConn
	wg       sync.WaitGroup
}

// BackendConn is the server side of one client connection.
type BackendConn struct {
	nc       net.Conn
	writeMu  sync.Mutex
	commands chan map[string]any

	mu       sync.Mutex
	username string
}

// NewBackend starts a Backend on a random local port.
func NewBackend(opts BackendOptions) (*Backend, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}

	users := make(map[string]string, len(opts.Users))
	for u, p := range opts.Users {
		users[u] = p
	}

	b := &Backend{
		ln:       ln,
		opts:     opts,
		users:    users,
		conns:    make(map[string]*BackendConn),
		accepted: make(chan *BackendConn, 64),
	}

	b.wg.Add(1)
	go b.serve()
	return b, nil
}

// Addr returns the host:port the Backend listens on.
func (b *Backend) Addr() string {
	return b.ln.Addr().String()
}

// Close stops accepting and drops every connection.
func (b *Backend) Close() error {
	err := b.ln.Close()

	b.mu.Lock()
	conns := append([]*BackendConn(nil), b.all...)
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	b.wg.Wait()
	return err
}

// NextConn waits for the next accepted connection.
func (b *Backend) NextConn(timeout time.Duration) (*BackendConn, error) {
	select {
	case c := <-b.accepted:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("no connection accepted")
	}
}

// Conn returns the authenticated connection of username, or nil.
func (b *Backend) Conn(username string) *BackendConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[username]
}

func (b *Backend) serve() {
	defer b.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}

		c := &BackendConn{
			nc:       nc,
			commands: make(chan map[string]any, 128),
		}
		b.mu.Lock()
		b.all = append(b.all, c)
		b.mu.Unlock()

		select {
		case b.accepted <- c:
		default:
		}

		b.wg.Add(1)
		go b.handle(c)
	}
}

func (b *Backend) handle(c *BackendConn) {
	defer b.wg.Done()
	defer func() {
		_ = c.Close()
		if u := c.Username(); u != "" {
			b.mu.Lock()
			if b.conns[u] == c {
				delete(b.conns, u)
			}
			b.mu.Unlock()
		}
	}()

	if !b.opts.SkipGreeting {
		_ = c.Push(map[string]string{"status": "auth_required", "message": BackendGreeting})
	}

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var cmd map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			_ = c.Push(map[string]string{"status": "error", "message": "malformed request"})
			continue
		}

		select {
		case c.commands <- cmd:
		default:
		}

		name, _ := cmd["command"].(string)
		if b.silent(name) {
			continue
		}
		b.reply(c, name, cmd)
	}
}

func (b *Backend) reply(c *BackendConn, name string, cmd map[string]any) {
	username, _ := cmd["username"].(string)
	password, _ := cmd["password"].(string)

	switch name {
	case "login":
		if c.Username() != "" {
			return
		}
		b.mu.Lock()
		stored, ok := b.users[username]
		_, online := b.conns[username]
		b.mu.Unlock()
		if !ok || stored != password || online {
			_ = c.Push(map[string]string{"status": "error", "message": BackendBadCredentials})
			return
		}
		b.authenticate(c, username, BackendLoginMessage)

	case "register":
		if c.Username() != "" {
			return
		}
		b.mu.Lock()
		_, exists := b.users[username]
		if !exists {
			b.users[username] = password
		}
		b.mu.Unlock()
		if exists {
			_ = c.Push(map[string]string{"status": "error", "message": BackendUserExists})
			return
		}
		b.authenticate(c, username, BackendRegisterMessage)

	case "get_chat_history":
		typ, _ := cmd["type"].(string)
		chatName, _ := cmd["name"].(string)
		_ = c.Push(map[string]any{
			"type": "chat_history_response",
			"messages": []map[string]string{
				{"sender": "bob", "text": "earlier", "sent_at": "2026-01-01T00:00:00Z"},
			},
			"chat_type": typ,
			"chat_name": chatName,
		})

	case "disconnect":
		_ = c.Push(map[string]string{"type": "notification", "message": "goodbye"})
		_ = c.Close()
	}
}

func (b *Backend) authenticate(c *BackendConn, username, message string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()

	b.mu.Lock()
	b.conns[username] = c
	b.mu.Unlock()

	_ = c.Push(map[string]string{"status": "ok", "message": message})
	for _, p := range b.opts.LoginPushes {
		_ = c.Push(p)
	}
}

func (b *Backend) silent(name string) bool {
	for _, s := range b.opts.Silent {
		if s == name {
			return true
		}
	}
	return false
}

// Username returns the authenticated user, if any.
func (c *BackendConn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Push writes v as one JSON line.
func (c *BackendConn) Push(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(string(payload) + "\n")
}

// WriteRaw writes s verbatim, for partial or malformed lines.
func (c *BackendConn) WriteRaw(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write([]byte(s))
	return err
}

// NextCommand waits for the next command the client sent.
func (c *BackendConn) NextCommand(timeout time.Duration) (map[string]any, error) {
	select {
	case cmd := <-c.commands:
		return cmd, nil
	case <-time.After(timeout):
		return nil, errors.New("no command received")
	}
}

// Close drops the connection.
func (c *BackendConn) Close() error {
	return c.nc.Close()
}
