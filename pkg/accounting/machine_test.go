package accounting_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/accounting"
	"github.com/codelaboratoryltd/radiusd/pkg/coa"
	"github.com/codelaboratoryltd/radiusd/pkg/dictionary"
	"github.com/codelaboratoryltd/radiusd/pkg/events"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
	"github.com/codelaboratoryltd/radiusd/pkg/store/mocks"
)

var _ = Describe("Machine", func() {
	var (
		ctx      context.Context
		clock    *fakeClock
		sessions *session.Store
		accounts *store.MemoryAccounts
		tickets  *store.MemoryTickets
		nas      *fakeDisconnector
		client   *store.Client
		machine  *accounting.Machine
	)

	key := session.Key{NasAddr: "10.0.0.1", AcctSessionID: "S1"}

	record := func(sessionTime, inKiB, outKiB int64) accounting.Record {
		return accounting.Record{
			Key:           key,
			AccountNumber: "alice",
			FramedIPAddr:  "100.64.0.10",
			SessionTime:   sessionTime,
			InputKiB:      inKiB,
			OutputKiB:     outKiB,
			EventTime:     clock.Now(),
			Client:        client,
		}
	}

	account := func() *store.Account {
		a, err := accounts.FindAccount(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		return a
	}

	newMachine := func(cfg accounting.Config, repo store.AccountRepository) *accounting.Machine {
		return accounting.New(cfg, accounting.Deps{
			Sessions: sessions,
			Accounts: repo,
			Tickets:  tickets,
			CoA:      nas,
			Logger:   zap.NewNop(),
			Now:      clock.Now,
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
		sessions = session.NewStore(4)
		accounts = store.NewMemoryAccounts()
		tickets = store.NewMemoryTickets()
		nas = newFakeDisconnector(false)
		client = &store.Client{
			Name:    "bras-1",
			Addr:    net.IPv4(10, 0, 0, 1),
			Secret:  "testing123",
			CoAPort: 3799,
		}
		machine = newMachine(accounting.Config{}, accounts)
		DeferCleanup(machine.Wait)
	})

	Describe("Start", func() {
		It("should open a session", func() {
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())

			o, ok := sessions.Get(key)
			Expect(ok).To(BeTrue())
			Expect(o.AccountNumber).To(Equal("alice"))
			Expect(o.StartSource).To(Equal(session.SourceStart))
			Expect(o.AcctStartTime).To(Equal(clock.Now()))
			Expect(machine.CountByAccount("alice")).To(Equal(1))
		})

		It("should keep billed counters when the Start is retransmitted", func() {
			accounts.SaveAccount(ctx, &store.Account{
				AccountNumber: "alice",
				Policy:        store.PolicyPrepaidFlow,
				FlowLength:    10000,
			})
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			Expect(machine.Update(ctx, record(60, 100, 100))).To(Succeed())
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			Expect(machine.Update(ctx, record(60, 100, 100))).To(Succeed())

			o, _ := sessions.Get(key)
			Expect(o.InputTotal).To(Equal(int64(100)))
			Expect(o.OutputTotal).To(Equal(int64(100)))
			Expect(account().FlowLength).To(Equal(int64(9800)))
		})
	})

	Describe("flow billing", func() {
		BeforeEach(func() {
			accounts.SaveAccount(ctx, &store.Account{
				AccountNumber: "alice",
				Status:        store.StatusNormal,
				Policy:        store.PolicyPrepaidFlow,
				FlowLength:    2000,
			})
		})

		It("should charge only new usage and nothing for an identical update", func() {
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())

			Expect(machine.Update(ctx, record(60, 1000, 500))).To(Succeed())
			Expect(account().FlowLength).To(Equal(int64(500)))

			Expect(machine.Update(ctx, record(60, 1000, 500))).To(Succeed())
			Expect(account().FlowLength).To(Equal(int64(500)))

			o, _ := sessions.Get(key)
			Expect(o.InputTotal).To(Equal(int64(1000)))
			Expect(o.OutputTotal).To(Equal(int64(500)))
			Consistently(nas.requests, 50*time.Millisecond).ShouldNot(Receive())
		})

		It("should charge a session once however often its Stop is replayed", func() {
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			Expect(machine.Stop(ctx, record(300, 400, 100))).To(Succeed())
			Expect(machine.Stop(ctx, record(300, 400, 100))).To(Succeed())
			Expect(machine.Stop(ctx, record(300, 400, 100))).To(Succeed())

			Expect(account().FlowLength).To(Equal(int64(1500)))
			Expect(tickets.Tickets()).To(HaveLen(1))
			_, ok := sessions.Get(key)
			Expect(ok).To(BeFalse())
		})

		It("should charge the maximum reported usage under concurrent updates", func() {
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())

			values := rand.Perm(50)
			var wg sync.WaitGroup
			for _, v := range values {
				wg.Add(1)
				go func(in int64) {
					defer wg.Done()
					machine.Update(ctx, record(in, in, 0))
				}(int64(v + 1))
			}
			wg.Wait()

			Expect(account().FlowLength).To(Equal(int64(2000 - 50)))
			o, _ := sessions.Get(key)
			Expect(o.InputTotal).To(Equal(int64(50)))
		})

		Context("when the balance runs out", func() {
			BeforeEach(func() {
				a := account()
				a.FlowLength = 1000
				Expect(accounts.SaveAccount(ctx, a)).To(Succeed())
			})

			It("should clamp at zero and schedule a disconnect", func() {
				Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
				Expect(machine.Update(ctx, record(60, 1200, 300))).To(Succeed())

				Expect(account().FlowLength).To(BeZero())

				var req coa.Request
				Eventually(nas.requests).Should(Receive(&req))
				Expect(req.NasAddr.Equal(net.IPv4(10, 0, 0, 1))).To(BeTrue())
				Expect(req.Secret).To(Equal("testing123"))
				Expect(req.CoAPort).To(Equal(3799))
				Expect(req.Attributes).To(ContainElement(radius.Attribute{
					Type: radius.AttrAcctSessionID, Value: []byte("S1"),
				}))
				Expect(req.Attributes).To(ContainElement(radius.Attribute{
					Type: radius.AttrUserName, Value: []byte("alice"),
				}))
			})

			It("should keep the session until the NAS confirms", func() {
				Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
				Expect(machine.Update(ctx, record(60, 1200, 300))).To(Succeed())

				Eventually(nas.requests).Should(Receive())
				machine.Wait()
				_, ok := sessions.Get(key)
				Expect(ok).To(BeTrue())
			})

			It("should close the session with Admin-Reset once the NAS acknowledges", func() {
				nas.ack = true
				Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
				Expect(machine.Update(ctx, record(60, 1200, 300))).To(Succeed())

				Eventually(nas.requests).Should(Receive())
				machine.Wait()

				_, ok := sessions.Get(key)
				Expect(ok).To(BeFalse())
				Expect(tickets.Tickets()).To(HaveLen(1))
				Expect(tickets.Tickets()[0].TerminateCause).To(Equal(uint32(radius.TerminateCauseAdminReset)))

				// the NAS Stop that follows is a replay
				Expect(machine.Stop(ctx, record(65, 1300, 300))).To(Succeed())
				Expect(tickets.Tickets()).To(HaveLen(1))
			})
		})
	})

	Describe("time billing", func() {
		BeforeEach(func() {
			accounts.SaveAccount(ctx, &store.Account{
				AccountNumber: "alice",
				Status:        store.StatusNormal,
				Policy:        store.PolicyPrepaidTime,
				TimeLength:    3600,
			})
		})

		It("should never rewind the floor for an out-of-order update", func() {
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			Expect(machine.Update(ctx, record(30, 0, 0))).To(Succeed())
			Expect(machine.Update(ctx, record(20, 0, 0))).To(Succeed())

			o, _ := sessions.Get(key)
			Expect(o.BillingTimes).To(Equal(int64(30)))
			Expect(account().TimeLength).To(Equal(int64(3570)))

			Expect(machine.Update(ctx, record(40, 0, 0))).To(Succeed())
			Expect(account().TimeLength).To(Equal(int64(3560)))
		})

		It("should derive the start time of a Stop without Start", func() {
			stop := clock.Now()
			r := record(120, 10, 10)
			r.TerminateCause = radius.TerminateCauseUserRequest
			Expect(machine.Stop(ctx, r)).To(Succeed())

			all := tickets.Tickets()
			Expect(all).To(HaveLen(1))
			t := all[0]
			Expect(t.AcctStartTime).To(Equal(stop.Add(-120 * time.Second)))
			Expect(t.AcctStopTime).To(Equal(stop))
			Expect(t.SessionTime).To(Equal(int64(120)))
			Expect(t.StartSource).To(Equal(session.SourceStop))
			Expect(t.TerminateCause).To(Equal(uint32(radius.TerminateCauseUserRequest)))
			Expect(t.Billed).To(BeTrue())

			Expect(account().TimeLength).To(Equal(int64(3480)))
			Expect(sessions.Count()).To(BeZero())
		})

		It("should open a session from an Update without Start", func() {
			Expect(machine.Update(ctx, record(90, 0, 0))).To(Succeed())

			o, ok := sessions.Get(key)
			Expect(ok).To(BeTrue())
			Expect(o.StartSource).To(Equal(session.SourceUpdate))
			Expect(o.AcctStartTime).To(Equal(clock.Now().Add(-90 * time.Second)))
			Expect(account().TimeLength).To(Equal(int64(3510)))
		})

		It("should disconnect an account past its expiry date", func() {
			a := account()
			a.ExpireDate = clock.Now().Add(-time.Hour)
			Expect(accounts.SaveAccount(ctx, a)).To(Succeed())

			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			Expect(machine.Update(ctx, record(10, 0, 0))).To(Succeed())

			Eventually(nas.requests).Should(Receive())
		})
	})

	Describe("sequence errors", func() {
		It("should ignore an Update for a session that already stopped", func() {
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			Expect(machine.Stop(ctx, record(60, 0, 0))).To(Succeed())

			err := machine.Update(ctx, record(50, 0, 0))
			var seqErr *accounting.SequenceError
			Expect(errors.As(err, &seqErr)).To(BeTrue())
			Expect(seqErr.Key).To(Equal(key))
			Expect(sessions.Count()).To(BeZero())
		})

		It("should open a new session for a Start after Stop", func() {
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			Expect(machine.Stop(ctx, record(60, 0, 0))).To(Succeed())

			err := machine.Start(ctx, record(0, 0, 0))
			var seqErr *accounting.SequenceError
			Expect(errors.As(err, &seqErr)).To(BeTrue())
			Expect(sessions.Count()).To(Equal(1))

			// the new session closes normally
			Expect(machine.Stop(ctx, record(30, 0, 0))).To(Succeed())
			Expect(tickets.Tickets()).To(HaveLen(2))
		})
	})

	Describe("missing account", func() {
		It("should still write an unbilled ticket and not disconnect", func() {
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			Expect(machine.Update(ctx, record(30, 10, 10))).To(Succeed())
			Expect(machine.Stop(ctx, record(60, 20, 20))).To(Succeed())

			all := tickets.ByAccount("alice")
			Expect(all).To(HaveLen(1))
			Expect(all[0].Billed).To(BeFalse())
			Expect(all[0].SessionTime).To(Equal(int64(60)))
			Consistently(nas.requests, 50*time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("repository failure", func() {
		It("should keep the floor so the next update charges the usage", func() {
			ctrl := gomock.NewController(GinkgoT())
			repo := mocks.NewMockAccountRepository(ctrl)
			repo.EXPECT().
				Update(gomock.Any(), "alice", gomock.Any()).
				Return(nil, errors.New("connection refused"))
			machine = newMachine(accounting.Config{}, repo)

			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			err := machine.Update(ctx, record(60, 100, 0))
			Expect(err).To(MatchError(ContainSubstring("connection refused")))

			o, ok := sessions.Get(key)
			Expect(ok).To(BeTrue())
			Expect(o.BillingTimes).To(BeZero())
			Expect(o.InputTotal).To(BeZero())
		})

		It("should mark the ticket unbilled when the final charge fails", func() {
			ctrl := gomock.NewController(GinkgoT())
			repo := mocks.NewMockAccountRepository(ctrl)
			repo.EXPECT().
				Update(gomock.Any(), "alice", gomock.Any()).
				Return(nil, store.ErrConflict)
			machine = newMachine(accounting.Config{}, repo)

			err := machine.Stop(ctx, record(60, 0, 0))
			Expect(err).To(MatchError(store.ErrConflict))

			all := tickets.Tickets()
			Expect(all).To(HaveLen(1))
			Expect(all[0].Billed).To(BeFalse())
		})
	})

	Describe("ResetNAS", func() {
		It("should close every session of the NAS without billing", func() {
			accounts.SaveAccount(ctx, &store.Account{
				AccountNumber: "alice",
				Policy:        store.PolicyPrepaidTime,
				TimeLength:    3600,
			})
			other := session.Key{NasAddr: "10.0.0.2", AcctSessionID: "S3"}
			for _, k := range []session.Key{key, {NasAddr: "10.0.0.1", AcctSessionID: "S2"}, other} {
				r := record(0, 0, 0)
				r.Key = k
				Expect(machine.Start(ctx, r)).To(Succeed())
			}

			n := machine.ResetNAS(ctx, "10.0.0.1", clock.Now(), radius.TerminateCauseNASReboot)

			Expect(n).To(Equal(2))
			Expect(sessions.Count()).To(Equal(1))
			_, ok := sessions.Get(other)
			Expect(ok).To(BeTrue())
			for _, t := range tickets.Tickets() {
				Expect(t.NasAddr).To(Equal("10.0.0.1"))
				Expect(t.TerminateCause).To(Equal(uint32(radius.TerminateCauseNASReboot)))
				Expect(t.Billed).To(BeFalse())
			}
			Expect(account().TimeLength).To(Equal(int64(3600)))

			// a late Stop from before the reboot is a replay
			Expect(machine.Stop(ctx, record(600, 0, 0))).To(Succeed())
			Expect(tickets.Tickets()).To(HaveLen(2))
			Expect(account().TimeLength).To(Equal(int64(3600)))
		})

		It("should wait for an in-flight update instead of letting it restore the session", func() {
			accounts.SaveAccount(ctx, &store.Account{
				AccountNumber: "alice",
				Policy:        store.PolicyPrepaidFlow,
				FlowLength:    10000,
			})
			repo := newGatedAccounts(accounts)
			machine = newMachine(accounting.Config{}, repo)
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())

			updated := make(chan error, 1)
			go func() { updated <- machine.Update(ctx, record(60, 100, 0)) }()
			Eventually(repo.entered).Should(BeClosed())

			reset := make(chan int, 1)
			go func() { reset <- machine.ResetNAS(ctx, "10.0.0.1", clock.Now(), radius.TerminateCauseNASRequest) }()
			Consistently(reset, 50*time.Millisecond).ShouldNot(Receive())

			close(repo.release)
			Eventually(updated).Should(Receive(BeNil()))
			Eventually(reset).Should(Receive(Equal(1)))

			_, ok := sessions.Get(key)
			Expect(ok).To(BeFalse())

			Expect(machine.Stop(ctx, record(120, 200, 0))).To(Succeed())
			Expect(tickets.Tickets()).To(HaveLen(1))
			Expect(account().FlowLength).To(Equal(int64(9900)))
		})
	})

	Describe("Sweep", func() {
		It("should close sessions that missed their interims", func() {
			machine = newMachine(accounting.Config{
				InterimInterval: time.Minute,
				IdleMultiplier:  3,
			}, accounts)
			Expect(machine.IdleTimeout()).To(Equal(3 * time.Minute))

			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())

			clock.Advance(2 * time.Minute)
			Expect(machine.Sweep(ctx)).To(BeZero())

			clock.Advance(2 * time.Minute)
			Expect(machine.Sweep(ctx)).To(Equal(1))

			Expect(sessions.Count()).To(BeZero())
			all := tickets.Tickets()
			Expect(all).To(HaveLen(1))
			Expect(all[0].TerminateCause).To(Equal(uint32(radius.TerminateCauseLostService)))
		})

		It("should spare sessions that keep reporting", func() {
			machine = newMachine(accounting.Config{
				InterimInterval: time.Minute,
				IdleMultiplier:  3,
			}, accounts)
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())

			for i := 0; i < 5; i++ {
				clock.Advance(2 * time.Minute)
				machine.Update(ctx, record(int64(i+1)*120, 0, 0))
				Expect(machine.Sweep(ctx)).To(BeZero())
			}
			Expect(sessions.Count()).To(Equal(1))
		})
	})

	Describe("events", func() {
		It("should publish closed sessions", func() {
			bus := events.NewLocalBus(zap.NewNop())
			DeferCleanup(bus.Close)

			received := make(chan events.Event, 4)
			bus.Subscribe(events.TopicSessionClosed, func(e events.Event) {
				received <- e
			})

			machine = accounting.New(accounting.Config{}, accounting.Deps{
				Sessions: sessions,
				Accounts: accounts,
				Tickets:  tickets,
				Events:   bus,
				Now:      clock.Now,
			})
			Expect(machine.Start(ctx, record(0, 0, 0))).To(Succeed())
			r := record(60, 0, 0)
			r.TerminateCause = radius.TerminateCauseIdleTimeout
			machine.Stop(ctx, r)

			var e events.Event
			Eventually(received).Should(Receive(&e))
			Expect(e.Type).To(Equal(events.TopicSessionClosed))
			data, ok := e.Data.(events.SessionEvent)
			Expect(ok).To(BeTrue())
			Expect(data.AcctSessionID).To(Equal("S1"))
			Expect(data.TerminateCause).To(Equal(uint32(radius.TerminateCauseIdleTimeout)))
		})
	})

	Describe("Handle", func() {
		dict := dictionary.MustDefault()
		src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}

		request := func(status radius.AcctStatusType) *radius.Packet {
			p := radius.New(radius.CodeAccountingRequest, []byte("testing123"))
			p.Identifier = 42
			p.AddInteger(radius.AttrAcctStatusType, uint32(status))
			p.AddString(radius.AttrUserName, "alice")
			p.AddString(radius.AttrAcctSessionID, "S1")
			p.Add(radius.AttrNASIPAddress, radius.NewIPAddr(net.IPv4(10, 0, 0, 1)))
			return p
		}

		It("should answer every status type with an Accounting-Response", func() {
			for _, status := range []radius.AcctStatusType{
				radius.AcctStatusAccountingOn,
				radius.AcctStatusStart,
				radius.AcctStatusInterimUpdate,
				radius.AcctStatusStop,
				radius.AcctStatusAccountingOff,
			} {
				msg := message.NewAcctMessage(request(status), 0, src, dict)
				resp, err := machine.Handle(ctx, msg, client)
				Expect(err).NotTo(HaveOccurred(), status.String())
				Expect(resp.Code).To(Equal(radius.CodeAccountingResponse))
				Expect(resp.Identifier).To(Equal(uint8(42)))
			}
			Expect(tickets.Tickets()).To(HaveLen(1))
		})

		It("should track sessions under the NAS address", func() {
			msg := message.NewAcctMessage(request(radius.AcctStatusStart), 0, src, dict)
			_, err := machine.Handle(ctx, msg, client)
			Expect(err).NotTo(HaveOccurred())

			o, ok := sessions.Get(key)
			Expect(ok).To(BeTrue())
			Expect(o.AccountNumber).To(Equal("alice"))
		})

		It("should still answer a request without a status type", func() {
			p := request(radius.AcctStatusStart)
			p.Del(radius.AttrAcctStatusType)

			resp, err := machine.Handle(ctx, message.NewAcctMessage(p, 0, src, dict), client)
			Expect(err).To(MatchError(accounting.ErrMissingStatusType))
			Expect(resp).NotTo(BeNil())
			Expect(resp.Code).To(Equal(radius.CodeAccountingResponse))
		})
	})
})
