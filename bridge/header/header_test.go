package header

import (
	"net/http"
	"net/http/httptest"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BearerToken", func() {
	var (
		app *fiber.App
		hh  *Handler
		got string
	)

	BeforeEach(func() {
		app = fiber.New()
		hh = NewHandler()
		app.Get("/test", func(c *fiber.Ctx) error {
			got = hh.BearerToken(c)
			return c.SendStatus(fiber.StatusOK)
		})
	})

	AfterEach(func() {
		app.Shutdown()
	})

	DescribeTable("extracting the session token",
		func(authorization, want string) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if authorization != "" {
				req.Header.Set("Authorization", authorization)
			}

			resp, err := app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(got).To(Equal(want))
		},
		Entry("bearer token", "Bearer 1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed", "1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed"),
		Entry("lowercase scheme", "bearer abc", "abc"),
		Entry("surrounding whitespace", "  Bearer   abc  ", "abc"),
		Entry("missing header", "", ""),
		Entry("scheme without token", "Bearer", ""),
		Entry("other scheme", "Basic YWxpY2U6cA==", ""),
	)
})

var _ = Describe("SetEventStreamHeaders", func() {
	It("sets the event stream response headers", func() {
		app := fiber.New()
		defer app.Shutdown()

		hh := NewHandler()
		app.Get("/stream", func(c *fiber.Ctx) error {
			hh.SetEventStreamHeaders(c)
			return c.SendString("")
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/stream", nil))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))
		Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))
		Expect(resp.Header.Get("X-Accel-Buffering")).To(Equal("no"))
	})
})
