// Package bridge provides the HTTP and event-stream front end of a line
// delimited JSON chat server.
//
// Each successful login or register opens one TCP connection to the chat
// server and binds it to a session token. Commands posted by the client are
// written to that connection; messages the server pushes are fanned out to
// every open message stream of the session.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/papercomputeco/chatbridge/bridge/header"
	"github.com/papercomputeco/chatbridge/bridge/worker"
	"github.com/papercomputeco/chatbridge/pkg/eventstream"
	"github.com/papercomputeco/chatbridge/pkg/eventstream/nop"
	"github.com/papercomputeco/chatbridge/pkg/hub"
	"github.com/papercomputeco/chatbridge/pkg/logger"
	"github.com/papercomputeco/chatbridge/pkg/session"
)

const messageStreamPath = "/message-stream"

// Bridge is the HTTP server translating client requests into chat server
// commands and chat server pushes into event streams.
type Bridge struct {
	config        Config
	registry      *session.Registry
	hub           *hub.Hub
	workerPool    *worker.Pool
	logger        *slog.Logger
	baseLogger    *slog.Logger
	server        *fiber.App
	headerHandler *header.Handler

	// closing is closed when Close starts, releasing handlers that wait.
	closing chan struct{}

	// mu orders session creation against Close: once closed is set no new
	// session reaches the registry or the hub.
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

var errBridgeClosed = errors.New("bridge is shutting down")

// New creates a new Bridge. publisher receives bridge events; a nil
// publisher discards them.
func New(config Config, publisher eventstream.Publisher, log *slog.Logger) (*Bridge, error) {
	config = config.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	if publisher == nil {
		publisher = nop.NewPublisher()
	}

	wp, err := worker.NewPool(&worker.Config{
		Publisher: publisher,
		Source: eventstream.EventSource{
			Bridge:   config.InstanceName,
			Upstream: config.UpstreamAddr,
		},
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create worker pool: %w", err)
	}

	registry := session.NewRegistry()

	b := &Bridge{
		config:     config,
		registry:   registry,
		workerPool: wp,
		logger:     log.With("component", "bridge"),
		baseLogger: log,
		hub: hub.New(hub.Config{
			Registry: registry,
			Events:   wp,
			Logger:   log,
		}),
		headerHandler: header.NewHandler(),
		closing:       make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		ErrorHandler:          b.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.CORSOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	// Event streams must not be buffered by the compressor.
	app.Use(compress.New(compress.Config{
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == messageStreamPath
		},
	}))

	b.server = app
	b.routes()

	return b, nil
}

func (b *Bridge) routes() {
	b.server.Get("/ping", b.handlePing)

	b.server.Post("/login", b.handleLogin)
	b.server.Post("/register", b.handleRegister)
	b.server.Post("/disconnect", b.handleDisconnect)

	b.server.Post("/send-message", b.handleSendMessage)
	b.server.Post("/chat-history", b.handleChatHistory)
	b.server.Get(messageStreamPath, b.handleMessageStream)

	b.server.Post("/create-group", b.handleCreateGroup)
	b.server.Post("/invite-to-group", b.handleInviteToGroup)
	b.server.Post("/leave-group", b.handleLeaveGroup)
	b.server.Get("/group-members", b.handleGroupMembers)

	b.server.Get("/online-users", b.handleOnlineUsers)
	b.server.Get("/all-users", b.handleAllUsers)
}

// Run starts the bridge on the configured listening address.
func (b *Bridge) Run() error {
	b.logger.Info("starting bridge server",
		"listen", b.config.ListenAddr,
		"upstream", b.config.UpstreamAddr,
	)

	return b.server.Listen(b.config.ListenAddr)
}

// RunWithListener starts the bridge using the provided listener.
func (b *Bridge) RunWithListener(listener net.Listener) error {
	b.logger.Info("starting bridge server",
		"listen", listener.Addr().String(),
		"upstream", b.config.UpstreamAddr,
	)

	return b.server.Listener(listener)
}

// Close ends every session, shuts the HTTP server down and drains the
// worker pool. Later calls return the first call's result.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.closing)
		b.mu.Unlock()

		b.closeErr = b.shutdown()
	})
	return b.closeErr
}

func (b *Bridge) shutdown() error {
	b.hub.Shutdown()

	var errs []error
	if err := b.registry.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("closing upstream connections: %w", err))
	}
	if err := b.server.ShutdownWithTimeout(b.config.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("shutting down server: %w", err))
	}
	if err := b.workerPool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing worker pool: %w", err))
	}

	b.logger.Info("bridge stopped")
	return errors.Join(errs...)
}

// openSession binds an authenticated connection to a new session. After
// Close has started it closes conn and fails with errBridgeClosed.
func (b *Bridge) openSession(conn session.Conn, username string) (*session.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		_ = conn.Close()
		return nil, errBridgeClosed
	}

	sess := b.registry.Create(conn, username)
	b.hub.Open(sess)
	return sess, nil
}

// Sessions returns the number of live sessions.
func (b *Bridge) Sessions() int {
	return b.registry.Len()
}
