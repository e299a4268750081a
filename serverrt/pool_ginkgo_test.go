package serverrt_test

import (
	"context"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/edgeproxy/serverrt"
)

type noopTcpHandler struct{}

func (noopTcpHandler) RunTcpTask(ctx context.Context, conn net.Conn, client serverrt.ClientInfo) {
	_ = conn.Close()
}

var _ = Describe("Pool", func() {
	var pool *serverrt.Pool

	BeforeEach(func() {
		pool = serverrt.NewPool()
	})

	It("starts empty", func() {
		Expect(pool.Len()).To(Equal(0))
	})

	It("tracks a server added to it", func() {
		srv := serverrt.NewTcpServer("edge-0", 1, noopTcpHandler{})
		pool.Add(srv)

		Expect(pool.Len()).To(Equal(1))
		got, ok := pool.Get("edge-0")
		Expect(ok).To(BeTrue())
		Expect(got.Base().Name()).To(Equal("edge-0"))
	})

	It("removes a server on Del", func() {
		srv := serverrt.NewTcpServer("edge-1", 1, noopTcpHandler{})
		pool.Add(srv)
		pool.Del("edge-1")

		Expect(pool.Len()).To(Equal(0))
		_, ok := pool.Get("edge-1")
		Expect(ok).To(BeFalse())
	})

	It("filters server names by substring", func() {
		pool.Add(serverrt.NewTcpServer("edge-front", 1, noopTcpHandler{}))
		pool.Add(serverrt.NewTcpServer("edge-back", 1, noopTcpHandler{}))

		Expect(pool.Filter("front")).To(ConsistOf("edge-front"))
		Expect(pool.Filter("")).To(ConsistOf("edge-front", "edge-back"))
	})
})
