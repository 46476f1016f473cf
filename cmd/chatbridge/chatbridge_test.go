package chatbridgecmder_test

import (
	"bytes"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatbridge/bridge"
	chatbridgecmder "github.com/papercomputeco/chatbridge/cmd/chatbridge"
	"github.com/papercomputeco/chatbridge/pkg/logger"
	testutils "github.com/papercomputeco/chatbridge/pkg/utils/test"
)

var _ = Describe("NewChatbridgeCmd", func() {
	It("registers every subcommand", func() {
		cmd := chatbridgecmder.NewChatbridgeCmd()
		names := make([]string, 0, len(cmd.Commands()))
		for _, sub := range cmd.Commands() {
			names = append(names, sub.Name())
		}
		Expect(names).To(ContainElements("serve", "check", "config", "version"))
	})

	It("registers the global flags", func() {
		cmd := chatbridgecmder.NewChatbridgeCmd()
		for _, name := range []string{"debug", "config-dir", "log-json", "log-pretty"} {
			Expect(cmd.PersistentFlags().Lookup(name)).NotTo(BeNil(), name)
		}
	})

	Describe("serve", func() {
		It("registers bridge flags with their defaults", func() {
			cmd := chatbridgecmder.NewChatbridgeCmd()
			serve, _, err := cmd.Find([]string{"serve"})
			Expect(err).NotTo(HaveOccurred())

			listen := serve.Flags().Lookup("listen")
			Expect(listen).NotTo(BeNil())
			Expect(listen.Shorthand).To(Equal("l"))
			Expect(listen.DefValue).To(Equal(":3000"))

			upstream := serve.Flags().Lookup("upstream")
			Expect(upstream).NotTo(BeNil())
			Expect(upstream.DefValue).To(Equal("localhost:12345"))

			heartbeat := serve.Flags().Lookup("heartbeat")
			Expect(heartbeat).NotTo(BeNil())
			Expect(heartbeat.DefValue).To(Equal("30s"))

			Expect(serve.Flags().Lookup("stream-buffer")).NotTo(BeNil())
			Expect(serve.Flags().Lookup("eventstream-provider")).NotTo(BeNil())
			Expect(serve.Flags().Lookup("log-file")).NotTo(BeNil())
		})

		It("rejects positional arguments", func() {
			cmd := chatbridgecmder.NewChatbridgeCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs([]string{"serve", "extra", "--config-dir", GinkgoT().TempDir()})
			Expect(cmd.Execute()).NotTo(Succeed())
		})

		It("fails to start with an unknown event publisher", func() {
			cmd := chatbridgecmder.NewChatbridgeCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs([]string{
				"serve",
				"--config-dir", GinkgoT().TempDir(),
				"--listen", "127.0.0.1:0",
				"--eventstream-provider", "carrier-pigeon",
			})
			Expect(cmd.Execute()).To(MatchError(ContainSubstring("event publisher")))
		})
	})

	Describe("version", func() {
		It("prints build information", func() {
			out := &bytes.Buffer{}
			cmd := chatbridgecmder.NewChatbridgeCmd()
			cmd.SetOut(out)
			cmd.SetArgs([]string{"version"})
			Expect(cmd.Execute()).To(Succeed())
			Expect(out.String()).To(ContainSubstring("Version: "))
		})
	})
})

var _ = Describe("check", func() {
	var (
		backend *testutils.Backend
		out     *bytes.Buffer
	)

	BeforeEach(func() {
		var err error
		backend, err = testutils.NewBackend(testutils.BackendOptions{
			Users: map[string]string{"alice": "secret"},
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(backend.Close)

		out = &bytes.Buffer{}
	})

	run := func(args ...string) error {
		cmd := chatbridgecmder.NewChatbridgeCmd()
		cmd.SetOut(out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"check", "--config-dir", GinkgoT().TempDir()}, args...))
		return cmd.Execute()
	}

	It("reads the greeting", func() {
		Expect(run("--upstream", backend.Addr())).To(Succeed())
		Expect(out.String()).To(ContainSubstring("Waiting for greeting"))
		Expect(out.String()).To(ContainSubstring("all checks passed"))
	})

	It("logs in and disconnects", func() {
		Expect(run("--upstream", backend.Addr(), "--username", "alice", "--password", "secret")).To(Succeed())

		conn, err := backend.NextConn(time.Second)
		Expect(err).NotTo(HaveOccurred())

		cmd, err := conn.NextCommand(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd).To(HaveKeyWithValue("command", "login"))

		cmd, err = conn.NextCommand(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd).To(HaveKeyWithValue("command", "disconnect"))
	})

	It("fails on rejected credentials", func() {
		err := run("--upstream", backend.Addr(), "--username", "alice", "--password", "wrong")
		Expect(err).To(MatchError(ContainSubstring("login rejected")))
	})

	It("fails when the chat server is unreachable", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr := ln.Addr().String()
		Expect(ln.Close()).To(Succeed())

		Expect(run("--upstream", addr)).NotTo(Succeed())
	})

	It("requires a password with a username", func() {
		Expect(run("--upstream", backend.Addr(), "--username", "alice")).NotTo(Succeed())
	})

	It("probes a running bridge end to end", func() {
		b, err := bridge.New(bridge.Config{
			UpstreamAddr:    backend.Addr(),
			DisconnectGrace: 20 * time.Millisecond,
			ShutdownTimeout: time.Second,
		}, nil, logger.Nop())
		Expect(err).NotTo(HaveOccurred())

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		go func() { _ = b.RunWithListener(ln) }()
		DeferCleanup(func() { _ = b.Close() })

		Expect(run(
			"--upstream", backend.Addr(),
			"--username", "alice",
			"--password", "secret",
			"--bridge", "http://"+ln.Addr().String(),
		)).To(Succeed())
		Expect(out.String()).To(ContainSubstring("Opening message stream"))
		Eventually(b.Sessions, 2*time.Second).Should(BeZero())
	})
})
