package dispatcher_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/internal/dispatcher"
	"github.com/toothpaste/toothpaste/internal/framing"
	"github.com/toothpaste/toothpaste/internal/metrics"
	"github.com/toothpaste/toothpaste/mocks"
	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/enrollment"
	"github.com/toothpaste/toothpaste/pkg/protocol"
	"github.com/toothpaste/toothpaste/pkg/transmitter"
)

// gatedReader blocks the first Read until release is closed.
type gatedReader struct {
	release chan struct{}
}

func (g *gatedReader) Read(b []byte) (int, error) {
	<-g.release
	return rand.Read(b)
}

func nextNotification(c *loopbackConn) *protocol.Notification {
	var buffer []byte
	EventuallyWithOffset(1, c.Receive(), 5*time.Second).Should(Receive(&buffer))
	n, err := protocol.DecodeNotification(buffer)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return n
}

var _ = Describe("Dispatcher", func() {
	var (
		ctrl    *gomock.Controller
		out     *mocks.Output
		periph  *loopback
		backend *enrollment.MemoryStore
		store   *enrollment.Store
		m       *metrics.Metrics
		config  dispatcher.Config
		d       *dispatcher.Dispatcher
		ctx     context.Context
		cancel  context.CancelFunc
		runErr  chan error
		links   int
		typed   chan string
		slowly  chan string
	)

	newTransmitter := func(creds *transmitter.Credentials) *transmitter.Transmitter {
		links++
		tx := transmitter.New(periph.dial(connector.Link(fmt.Sprintf("link-%d", links))), creds)
		tx.RetryInterval = time.Millisecond
		return tx
	}

	pair := func() (*transmitter.Transmitter, *transmitter.Credentials) {
		creds, err := transmitter.NewCredentials()
		Expect(err).NotTo(HaveOccurred())
		tx := newTransmitter(creds)
		Expect(tx.Pair(ctx)).To(Succeed())
		return tx, creds
	}

	dropped := func(reason string) func() float64 {
		return func() float64 {
			return testutil.ToFloat64(m.PacketsDroppedTotal.WithLabelValues(reason))
		}
	}

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		out = mocks.NewOutput(ctrl)
		periph = newLoopback()
		backend = enrollment.NewMemoryStore()
		m = metrics.New()
		links = 0
		typed = make(chan string, 16)
		slowly = make(chan string, 16)
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		config = dispatcher.Config{
			Output:        out,
			Metrics:       m,
			PairingMode:   true,
			SweepInterval: 10 * time.Millisecond,
		}
		out.EXPECT().TypeString(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, text string, slow bool) error {
				if slow {
					slowly <- text
				}
				typed <- text
				return nil
			}).AnyTimes()
	})

	JustBeforeEach(func() {
		var err error
		if store == nil {
			store, err = enrollment.Open(backend)
			Expect(err).NotTo(HaveOccurred())
		}
		config.Store = store
		d, err = dispatcher.New(periph, config)
		Expect(err).NotTo(HaveOccurred())
		runErr = make(chan error, 1)
		go func() {
			runErr <- d.Run(ctx)
		}()
	})

	AfterEach(func() {
		periph.Close()
		Eventually(runErr, 5*time.Second).Should(Receive(BeNil()))
		cancel()
		store = nil
	})

	It("pairs a transmitter and types its text", func() {
		tx, creds := pair()
		defer tx.Close()
		Expect(tx.TypeString(ctx, "hello")).To(Succeed())
		Eventually(typed).Should(Receive(Equal("hello")))

		record, ok := store.Lookup(creds.Identity())
		Expect(ok).To(BeTrue())
		Expect(record.Secret).To(Equal(creds.Secret))
		Expect(record.Name).To(Equal(enrollment.DefaultName(creds.Identity())))
		Expect(testutil.ToFloat64(m.HandshakesTotal.WithLabelValues("paired"))).To(Equal(1.0))
		Eventually(func() float64 { return testutil.ToFloat64(m.MessagesTotal.WithLabelValues("keyboard")) }).Should(Equal(1.0))
	})

	It("types a resent packet only once", func() {
		creds, err := transmitter.NewCredentials()
		Expect(err).NotTo(HaveOccurred())
		conn := periph.dial("resender")
		tx := transmitter.New(conn, creds)
		tx.RetryInterval = time.Millisecond
		defer tx.Close()
		Expect(tx.Pair(ctx)).To(Succeed())

		Expect(tx.TypeString(ctx, "once")).To(Succeed())
		Eventually(typed).Should(Receive(Equal("once")))
		writes := conn.dataWrites()
		Expect(writes).To(HaveLen(1))
		Expect(conn.Send(ctx, connector.ChannelData, writes[0])).To(Succeed())

		Expect(tx.TypeString(ctx, "next")).To(Succeed())
		var text string
		Eventually(typed).Should(Receive(&text))
		Expect(text).To(Equal("next"))
		Consistently(typed, 100*time.Millisecond).ShouldNot(Receive())
	})

	It("resumes a known transmitter outside pairing mode", func() {
		tx, creds := pair()
		tx.Close()
		d.SetPairingMode(false)

		again := newTransmitter(creds)
		defer again.Close()
		Expect(again.Pair(ctx)).To(Succeed())
		Expect(again.TypeString(ctx, "welcome back")).To(Succeed())
		Eventually(typed).Should(Receive(Equal("welcome back")))
		Expect(testutil.ToFloat64(m.HandshakesTotal.WithLabelValues("resumed"))).To(Equal(1.0))
	})

	It("forwards keycodes, mouse reports, and slow mode", func() {
		out.EXPECT().PressKeys(gomock.Any(), []byte{0xe0, 0x06}).Return(nil)
		report := protocol.MouseReport{Frames: []protocol.MouseFrame{{X: 5, Y: -3}}, LeftClick: 1}
		moved := make(chan struct{})
		out.EXPECT().Mouse(gomock.Any(), report).DoAndReturn(func(context.Context, protocol.MouseReport) error {
			close(moved)
			return nil
		})

		tx, _ := pair()
		defer tx.Close()
		Expect(tx.PressKeys(ctx, 0xe0, 0x06)).To(Succeed())
		Expect(tx.Mouse(ctx, report)).To(Succeed())
		Eventually(moved).Should(BeClosed())
		tx.SetSlowMode(true)
		Expect(tx.TypeString(ctx, "paced")).To(Succeed())
		Eventually(slowly).Should(Receive(Equal("paced")))
	})

	It("renames a transmitter on request", func() {
		tx, creds := pair()
		defer tx.Close()
		Expect(tx.Rename(ctx, "work laptop")).To(Succeed())
		Eventually(func() string {
			record, _ := store.Lookup(creds.Identity())
			return record.Name
		}).Should(Equal("work laptop"))
	})

	Context("outside pairing mode", func() {
		BeforeEach(func() {
			config.PairingMode = false
		})

		It("refuses unknown transmitters", func() {
			creds, err := transmitter.NewCredentials()
			Expect(err).NotTo(HaveOccurred())
			tx := newTransmitter(creds)
			defer tx.Close()
			Expect(tx.Pair(ctx)).To(MatchError(protocol.ErrPairingRefused))
			Expect(store.Len()).To(Equal(0))
		})

		It("accepts them during a pairing window", func() {
			Expect(d.PairingMode()).To(BeFalse())
			d.OpenPairingWindow(time.Minute)
			Expect(d.PairingMode()).To(BeTrue())
			tx, _ := pair()
			tx.Close()
			d.SetPairingMode(false)
			Expect(d.PairingMode()).To(BeFalse())
		})
	})

	Context("with a full enrollment table", func() {
		BeforeEach(func() {
			var err error
			store, err = enrollment.Open(backend, enrollment.WithCapacity(1), enrollment.WithPolicy(enrollment.RefuseWhenFull))
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses new transmitters", func() {
			first, _ := pair()
			defer first.Close()

			creds, err := transmitter.NewCredentials()
			Expect(err).NotTo(HaveOccurred())
			second := newTransmitter(creds)
			defer second.Close()
			Expect(second.Pair(ctx)).To(MatchError(protocol.ErrPairingRefused))
			Expect(store.Len()).To(Equal(1))
			Expect(testutil.ToFloat64(m.HandshakesTotal.WithLabelValues("refused"))).To(Equal(1.0))
		})
	})

	Context("when eviction is allowed", func() {
		BeforeEach(func() {
			var err error
			store, err = enrollment.Open(backend, enrollment.WithCapacity(1))
			Expect(err).NotTo(HaveOccurred())
		})

		It("stops accepting messages from the evicted transmitter", func() {
			first, firstCreds := pair()
			defer first.Close()
			second, _ := pair()
			defer second.Close()

			_, ok := store.Lookup(firstCreds.Identity())
			Expect(ok).To(BeFalse())
			Expect(first.TypeString(ctx, "evicted")).To(Succeed())
			Eventually(dropped("no_session")).Should(Equal(1.0))

			Expect(second.TypeString(ctx, "current")).To(Succeed())
			Eventually(typed).Should(Receive(Equal("current")))
		})
	})

	Describe("handshakes", func() {
		var gate *gatedReader

		BeforeEach(func() {
			gate = &gatedReader{release: make(chan struct{})}
			config.Rand = gate
		})

		It("rejects a second handshake for the same identity while one is in flight", func() {
			creds, err := transmitter.NewCredentials()
			Expect(err).NotTo(HaveOccurred())
			request := []byte(authentication.EncodePublicKey(creds.Identity()))

			first := periph.dial("first")
			second := periph.dial("second")
			Expect(first.Send(ctx, connector.ChannelPairing, request)).To(Succeed())
			Expect(second.Send(ctx, connector.ChannelPairing, request)).To(Succeed())

			reply := nextNotification(second)
			Expect(reply.Type).To(Equal(protocol.NotificationAuthStatus))
			Expect(reply.Status).To(Equal(protocol.AuthBusy))

			close(gate.release)
			reply = nextNotification(first)
			Expect(reply.Status).To(Equal(protocol.AuthSuccess))
			Expect(reply.PublicKey).NotTo(BeEmpty())
		})

		It("rejects malformed public keys", func() {
			close(gate.release)
			c := periph.dial("garbage")
			Expect(c.Send(ctx, connector.ChannelPairing, []byte("not a key"))).To(Succeed())
			reply := nextNotification(c)
			Expect(reply.Status).To(Equal(protocol.AuthFailed))
			Expect(testutil.ToFloat64(m.HandshakesTotal.WithLabelValues("invalid_key"))).To(Equal(1.0))
		})

		Context("with a pairing burst of one", func() {
			BeforeEach(func() {
				config.PairingRate = 0.001
				config.PairingBurst = 1
			})

			It("throttles repeated requests from one link", func() {
				close(gate.release)
				c := periph.dial("noisy")
				Expect(c.Send(ctx, connector.ChannelPairing, []byte("not a key"))).To(Succeed())
				Expect(nextNotification(c).Status).To(Equal(protocol.AuthFailed))
				Expect(c.Send(ctx, connector.ChannelPairing, []byte("still not a key"))).To(Succeed())
				Expect(nextNotification(c).Status).To(Equal(protocol.AuthBusy))
				Expect(testutil.ToFloat64(m.HandshakesTotal.WithLabelValues("throttled"))).To(Equal(1.0))

				other := periph.dial("quiet")
				Expect(other.Send(ctx, connector.ChannelPairing, []byte("not a key"))).To(Succeed())
				Expect(nextNotification(other).Status).To(Equal(protocol.AuthFailed))
			})
		})
	})

	Describe("data packets", func() {
		sealed := func(session *authentication.Session, text string) []framing.Packet {
			plaintext, err := protocol.KeyboardPayload(text).Marshal()
			Expect(err).NotTo(HaveOccurred())
			iv, ciphertext, tag, err := session.Encrypt(plaintext)
			Expect(err).NotTo(HaveOccurred())
			packets, err := framing.NewFramer(nil).Frame(iv, tag, ciphertext, 8, false)
			Expect(err).NotTo(HaveOccurred())
			return packets
		}

		send := func(c *loopbackConn, p framing.Packet) {
			b, err := p.MarshalBinary()
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Send(ctx, connector.ChannelData, b)).To(Succeed())
		}

		It("are dropped before a session is established", func() {
			session, err := authentication.NewSession(nil, make([]byte, 32))
			Expect(err).NotTo(HaveOccurred())
			c := periph.dial("anonymous")
			for _, p := range sealed(session, "sneaky") {
				send(c, p)
			}
			Eventually(dropped("no_session")).Should(Equal(1.0))
		})

		It("are reassembled out of order and dropped when tampered", func() {
			tx, creds := pair()
			defer tx.Close()
			session, err := authentication.NewSession(nil, creds.Secret)
			Expect(err).NotTo(HaveOccurred())

			// Reuse the transmitter's link so the packets are attributed to its session.
			c := &loopbackConn{id: "link-1", hub: periph.Hub, inbox: make(chan []byte, 1)}

			packets := sealed(session, "out of order")
			Expect(len(packets)).To(BeNumerically(">", 2))
			for i := len(packets) - 1; i >= 0; i-- {
				send(c, packets[i])
			}
			Eventually(typed).Should(Receive(Equal("out of order")))

			packets = sealed(session, "tampered")
			packets[0].Ciphertext[0] ^= 1
			for _, p := range packets {
				send(c, p)
			}
			Eventually(dropped("authentication")).Should(Equal(1.0))

			packets = sealed(session, "abcdefghijklmnop")
			Expect(len(packets)).To(Equal(3))
			send(c, packets[0])
			bad := packets[1]
			bad.Total = 4
			send(c, bad)
			Eventually(dropped("inconsistent_total")).Should(Equal(1.0))

			Expect(c.Send(ctx, connector.ChannelData, []byte{1, 2, 3})).To(Succeed())
			Eventually(dropped("malformed")).Should(Equal(1.0))
			Consistently(typed, 50*time.Millisecond).ShouldNot(Receive())
		})
	})
})
