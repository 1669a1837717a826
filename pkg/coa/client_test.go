package coa_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/coa"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

func TestCoA(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CoA Client Suite")
}

const secret = "testing123"

type nasMode int

const (
	modeACK nasMode = iota
	modeNAK
	modeSilent
	modeBadAuth
	modeDM
)

// fakeNAS answers dynamic authorization requests on a loopback port
type fakeNAS struct {
	conn     *net.UDPConn
	mode     nasMode
	received atomic.Int32
	requests chan *radius.Packet
	dm       chan []radius.DMField
}

func startNAS(mode nasMode) *fakeNAS {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	Expect(err).NotTo(HaveOccurred())
	n := &fakeNAS{
		conn:     conn,
		mode:     mode,
		requests: make(chan *radius.Packet, 16),
		dm:       make(chan []radius.DMField, 16),
	}
	go n.serve()
	DeferCleanup(conn.Close)
	return n
}

func (n *fakeNAS) port() int {
	return n.conn.LocalAddr().(*net.UDPAddr).Port
}

func (n *fakeNAS) serve() {
	buf := make([]byte, 4096)
	for {
		sz, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		n.received.Add(1)
		b := append([]byte(nil), buf[:sz]...)

		if n.mode == modeDM {
			_, fields, err := radius.DecodeDMDatagram(b, []byte(secret))
			if err != nil {
				continue
			}
			n.dm <- fields
			reply, err := radius.EncodeDMReply(b, 0, []byte(secret))
			if err != nil {
				continue
			}
			n.conn.WriteToUDP(reply, addr)
			continue
		}

		p, err := radius.Decode(b, []byte(secret))
		if err != nil {
			continue
		}
		n.requests <- p
		if n.mode == modeSilent {
			continue
		}

		code := radius.CodeDisconnectACK
		switch {
		case p.Code == radius.CodeCoARequest && n.mode == modeNAK:
			code = radius.CodeCoANAK
		case p.Code == radius.CodeCoARequest:
			code = radius.CodeCoAACK
		case n.mode == modeNAK:
			code = radius.CodeDisconnectNAK
		}
		reply := p.Response(code)
		if n.mode == modeNAK {
			reply.AddInteger(radius.AttrErrorCause, radius.ErrorCauseSessionContextNotFound)
		}
		out, err := reply.Encode()
		if err != nil {
			continue
		}
		if n.mode == modeBadAuth {
			out[4] ^= 0xff
		}
		n.conn.WriteToUDP(out, addr)
	}
}

func request(port int) coa.Request {
	return coa.Request{
		Secret:     secret,
		NasAddr:    net.IPv4(127, 0, 0, 1),
		CoAPort:    port,
		Attributes: message.SessionAttributes("alice", "S1", net.IPv4(10, 0, 0, 1), nil),
	}
}

var _ = Describe("CoA client", func() {
	var (
		logger *zap.Logger
		cfg    coa.Config
		ctx    context.Context
	)

	BeforeEach(func() {
		logger = zap.NewNop()
		cfg = coa.Config{
			Timeout: 50 * time.Millisecond,
			Retries: 3,
			Backoff: time.Millisecond,
		}
		ctx = context.Background()
	})

	Describe("Disconnect", func() {
		Context("when the NAS acknowledges", func() {
			It("should return an acked result after one attempt", func() {
				nas := startNAS(modeACK)
				client := coa.New(cfg, logger, nil)

				res := client.Disconnect(ctx, request(nas.port()))

				Expect(res.Err).NotTo(HaveOccurred())
				Expect(res.Acked).To(BeTrue())
				Expect(res.Code).To(Equal(radius.CodeDisconnectACK))
				Expect(res.Attempts).To(Equal(1))

				var got *radius.Packet
				Eventually(nas.requests).Should(Receive(&got))
				Expect(got.Code).To(Equal(radius.CodeDisconnectRequest))
				Expect(got.GetString(radius.AttrUserName)).To(Equal("alice"))
				Expect(got.GetString(radius.AttrAcctSessionID)).To(Equal("S1"))
			})
		})

		Context("when the NAS refuses", func() {
			It("should return a NAK without error", func() {
				nas := startNAS(modeNAK)
				client := coa.New(cfg, logger, nil)

				res := client.Disconnect(ctx, request(nas.port()))

				Expect(res.Err).NotTo(HaveOccurred())
				Expect(res.Acked).To(BeFalse())
				Expect(res.Code).To(Equal(radius.CodeDisconnectNAK))
				cause, ok := res.Reply.GetInteger(radius.AttrErrorCause)
				Expect(ok).To(BeTrue())
				Expect(cause).To(Equal(uint32(radius.ErrorCauseSessionContextNotFound)))
			})
		})

		Context("when the NAS never answers", func() {
			It("should retry exactly N times then fail softly", func() {
				nas := startNAS(modeSilent)
				client := coa.New(cfg, logger, nil)

				var res coa.Result
				Expect(func() {
					res = client.Disconnect(ctx, request(nas.port()))
				}).NotTo(Panic())

				Expect(res.Attempts).To(Equal(3))
				Expect(errors.Is(res.Err, coa.ErrTimeout)).To(BeTrue())
				Expect(res.Acked).To(BeFalse())
				Eventually(nas.received.Load).Should(Equal(int32(3)))
			})

			It("should wait attempt times backoff between attempts", func() {
				nas := startNAS(modeSilent)
				cfg.Timeout = 10 * time.Millisecond
				cfg.Backoff = 20 * time.Millisecond
				client := coa.New(cfg, logger, nil)

				start := time.Now()
				res := client.Disconnect(ctx, request(nas.port()))

				// 3 timeouts plus 1*20ms and 2*20ms of backoff
				Expect(time.Since(start)).To(BeNumerically(">=", 90*time.Millisecond))
				Expect(res.Attempts).To(Equal(3))
			})
		})

		Context("when nothing listens on the port", func() {
			It("should retry exactly N times then fail softly", func() {
				conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
				Expect(err).NotTo(HaveOccurred())
				port := conn.LocalAddr().(*net.UDPAddr).Port
				conn.Close()

				cfg.Retries = 4
				client := coa.New(cfg, logger, nil)

				var res coa.Result
				Expect(func() {
					res = client.Disconnect(ctx, request(port))
				}).NotTo(Panic())

				Expect(res.Attempts).To(Equal(4))
				Expect(errors.Is(res.Err, coa.ErrTimeout)).To(BeTrue())
			})
		})

		Context("when the reply authenticator is wrong", func() {
			It("should treat it as no reply and retry", func() {
				nas := startNAS(modeBadAuth)
				client := coa.New(cfg, logger, nil)

				res := client.Disconnect(ctx, request(nas.port()))

				Expect(res.Acked).To(BeFalse())
				Expect(res.Attempts).To(Equal(3))
				Expect(errors.Is(res.Err, coa.ErrTimeout)).To(BeTrue())
				Expect(errors.Is(res.Err, coa.ErrAuthenticatorMismatch)).To(BeTrue())
				Eventually(nas.received.Load).Should(Equal(int32(3)))
			})
		})

		Context("when the NAS vendor only speaks the DM datagram", func() {
			It("should send the DM datagram instead", func() {
				nas := startNAS(modeDM)
				cfg.DMVendorID = radius.VendorHuawei
				client := coa.New(cfg, logger, nil)

				req := request(nas.port())
				req.VendorID = radius.VendorHuawei
				res := client.Disconnect(ctx, req)

				Expect(res.Err).NotTo(HaveOccurred())
				Expect(res.Acked).To(BeTrue())

				var fields []radius.DMField
				Eventually(nas.dm).Should(Receive(&fields))
				Expect(fields).To(ContainElement(radius.DMField{Key: radius.DMKeyUserName, Value: []byte("alice")}))
				Expect(fields).To(ContainElement(radius.DMField{Key: radius.DMKeyAcctSessionID, Value: []byte("S1")}))
			})

			It("should keep Disconnect-Request for other vendors", func() {
				nas := startNAS(modeACK)
				cfg.DMVendorID = radius.VendorHuawei
				client := coa.New(cfg, logger, nil)

				req := request(nas.port())
				req.VendorID = radius.VendorMikroTik
				res := client.Disconnect(ctx, req)

				Expect(res.Acked).To(BeTrue())
				Expect(res.Code).To(Equal(radius.CodeDisconnectACK))
			})
		})
	})

	Describe("CoA", func() {
		It("should send a CoA-Request and accept CoA-ACK", func() {
			nas := startNAS(modeACK)
			client := coa.New(cfg, logger, nil)

			req := request(nas.port())
			req.Attributes = append(req.Attributes, radius.Attribute{
				Type: radius.AttrSessionTimeout, Value: radius.NewInteger(600),
			})
			res := client.CoA(ctx, req)

			Expect(res.Err).NotTo(HaveOccurred())
			Expect(res.Code).To(Equal(radius.CodeCoAACK))

			var got *radius.Packet
			Eventually(nas.requests).Should(Receive(&got))
			Expect(got.Code).To(Equal(radius.CodeCoARequest))
			v, ok := got.GetInteger(radius.AttrSessionTimeout)
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(uint32(600)))
		})
	})

	Describe("DisconnectAsync", func() {
		It("should resolve the future with the result", func() {
			nas := startNAS(modeACK)
			client := coa.New(cfg, logger, nil)

			f := client.DisconnectAsync(ctx, request(nas.port()))
			res, err := f.Wait(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Acked).To(BeTrue())
			Expect(f.Done()).To(BeClosed())
		})

		It("should stop waiting when the caller gives up", func() {
			nas := startNAS(modeSilent)
			cfg.Timeout = time.Second
			client := coa.New(cfg, logger, nil)

			f := client.DisconnectAsync(ctx, request(nas.port()))
			waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()

			_, err := f.Wait(waitCtx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})

		It("should give up early when its own context ends", func() {
			nas := startNAS(modeSilent)
			cfg.Timeout = time.Second
			cfg.Retries = 5
			client := coa.New(cfg, logger, nil)

			reqCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			res, err := client.DisconnectAsync(reqCtx, request(nas.port())).Wait(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Attempts).To(Equal(1))
			Expect(errors.Is(res.Err, coa.ErrTimeout)).To(BeTrue())
		})
	})
})
