package transmitter_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/internal/framing"
	"github.com/toothpaste/toothpaste/mocks"
	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/protocol"
	"github.com/toothpaste/toothpaste/pkg/transmitter"
)

const writeSize = 64

// fakeReceiver answers pairing requests on a mock Connector and decrypts data packets.
type fakeReceiver struct {
	inbox    chan []byte
	lock     sync.Mutex
	session  *authentication.Session
	secret   []byte
	statuses []protocol.AuthStatus
	silent   bool
	packets  [][]byte
}

func (r *fakeReceiver) reply(n *protocol.Notification) {
	r.inbox <- n.Marshal()
}

func (r *fakeReceiver) pair(data []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.silent {
		return
	}
	status := protocol.AuthSuccess
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		r.statuses = r.statuses[1:]
	}
	if status != protocol.AuthSuccess {
		r.reply(&protocol.Notification{Type: protocol.NotificationAuthStatus, Status: status})
		return
	}
	peer, err := authentication.DecodePublicKey(string(data))
	Expect(err).NotTo(HaveOccurred())
	if r.secret != nil {
		r.session, err = authentication.NewSession(peer, r.secret)
		Expect(err).NotTo(HaveOccurred())
		r.reply(&protocol.Notification{Type: protocol.NotificationAuthStatus, Status: status})
		return
	}
	local, secret, err := authentication.Handshake(nil, peer)
	Expect(err).NotTo(HaveOccurred())
	r.session, err = authentication.NewSession(peer, secret)
	Expect(err).NotTo(HaveOccurred())
	r.reply(&protocol.Notification{
		Type:      protocol.NotificationAuthStatus,
		Status:    status,
		PublicKey: authentication.EncodePublicKey(local),
	})
}

func (r *fakeReceiver) record(data []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.packets = append(r.packets, bytes.Clone(data))
}

// payloads reassembles and decrypts every recorded packet.
func (r *fakeReceiver) payloads() []*protocol.Payload {
	r.lock.Lock()
	defer r.lock.Unlock()
	reassembler := framing.NewReassembler(time.Minute)
	var payloads []*protocol.Payload
	for _, b := range r.packets {
		packet, err := framing.ParsePacket(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(b)).To(BeNumerically("<=", writeSize))
		message, err := reassembler.Reassemble(packet)
		Expect(err).NotTo(HaveOccurred())
		if message == nil {
			continue
		}
		plaintext, err := r.session.Decrypt(message.IV, message.Ciphertext, message.Tag)
		Expect(err).NotTo(HaveOccurred())
		payload, err := protocol.DecodePayload(plaintext)
		Expect(err).NotTo(HaveOccurred())
		payloads = append(payloads, payload)
	}
	return payloads
}

var _ = Describe("Transmitter", func() {
	var (
		ctrl     *gomock.Controller
		conn     *mocks.Connector
		receiver *fakeReceiver
		creds    *transmitter.Credentials
		tx       *transmitter.Transmitter
		ctx      context.Context
		cancel   context.CancelFunc
	)

	BeforeEach(func() {
		var err error
		ctrl = gomock.NewController(GinkgoT())
		conn = mocks.NewConnector(ctrl)
		receiver = &fakeReceiver{inbox: make(chan []byte, 4)}
		creds, err = transmitter.NewCredentials()
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		conn.EXPECT().Receive().Return((<-chan []byte)(receiver.inbox)).AnyTimes()
		conn.EXPECT().MaxWriteSize().Return(writeSize).AnyTimes()
		conn.EXPECT().Close().Times(1)
		conn.EXPECT().Send(gomock.Any(), connector.ChannelPairing, gomock.Any()).DoAndReturn(
			func(_ context.Context, _ connector.Channel, data []byte) error {
				receiver.pair(data)
				return nil
			}).AnyTimes()
	})

	JustBeforeEach(func() {
		tx = transmitter.New(conn, creds)
		tx.RetryInterval = time.Millisecond
	})

	AfterEach(func() {
		tx.Close()
		cancel()
	})

	expectData := func() {
		conn.EXPECT().Send(gomock.Any(), connector.ChannelData, gomock.Any()).DoAndReturn(
			func(_ context.Context, _ connector.Channel, data []byte) error {
				receiver.record(data)
				return nil
			}).AnyTimes()
	}

	It("pairs and sends typed text", func() {
		expectData()
		Expect(tx.Pair(ctx)).To(Succeed())
		Expect(tx.Credentials().Secret).To(HaveLen(authentication.SharedSecretSize))

		Expect(tx.TypeString(ctx, "hello")).To(Succeed())
		Expect(tx.PressKeys(ctx, 0xe0, 0x06)).To(Succeed())
		Expect(tx.Rename(ctx, "laptop")).To(Succeed())

		payloads := receiver.payloads()
		Expect(payloads).To(HaveLen(3))
		Expect(payloads[0].Type).To(Equal(protocol.PayloadKeyboard))
		Expect(payloads[0].Text).To(Equal("hello"))
		Expect(payloads[1].Keycodes).To(Equal([]byte{0xe0, 0x06}))
		Expect(payloads[2].Type).To(Equal(protocol.PayloadRename))
		Expect(payloads[2].Text).To(Equal("laptop"))
	})

	It("splits long text across messages and fragments", func() {
		expectData()
		Expect(tx.Pair(ctx)).To(Succeed())
		text := strings.Repeat("é", transmitter.MaxTextChunk)
		Expect(tx.TypeString(ctx, text)).To(Succeed())

		var typed strings.Builder
		payloads := receiver.payloads()
		Expect(len(payloads)).To(Equal(2))
		for _, p := range payloads {
			typed.WriteString(p.Text)
		}
		Expect(typed.String()).To(Equal(text))
	})

	It("sets the slow mode flag", func() {
		expectData()
		Expect(tx.Pair(ctx)).To(Succeed())
		tx.SetSlowMode(true)
		Expect(tx.TypeString(ctx, "slow")).To(Succeed())
		packet, err := framing.ParsePacket(receiver.packets[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(packet.SlowMode).To(BeTrue())
	})

	It("refuses to send before pairing", func() {
		Expect(tx.TypeString(ctx, "hello")).To(MatchError(protocol.ErrNoSession))
	})

	It("retries while the receiver is busy", func() {
		receiver.statuses = []protocol.AuthStatus{protocol.AuthBusy, protocol.AuthBusy}
		Expect(tx.Pair(ctx)).To(Succeed())
	})

	It("reports a refused pairing", func() {
		receiver.statuses = []protocol.AuthStatus{protocol.AuthFailed}
		Expect(tx.Pair(ctx)).To(MatchError(protocol.ErrPairingRefused))
	})

	It("times out without a response", func() {
		receiver.silent = true
		short, stop := context.WithTimeout(ctx, 20*time.Millisecond)
		defer stop()
		err := tx.Pair(short)
		Expect(err).To(MatchError(protocol.ErrTimeout))
		Expect(protocol.Temporary(err)).To(BeTrue())
	})

	Context("with a stored secret", func() {
		BeforeEach(func() {
			creds.Secret = bytes.Repeat([]byte{7}, authentication.SharedSecretSize)
			receiver.secret = creds.Secret
		})

		It("resumes the session", func() {
			expectData()
			Expect(tx.Pair(ctx)).To(Succeed())
			Expect(tx.TypeString(ctx, "again")).To(Succeed())
			Expect(receiver.payloads()[0].Text).To(Equal("again"))
		})
	})

	Context("without a stored secret", func() {
		BeforeEach(func() {
			receiver.secret = bytes.Repeat([]byte{7}, authentication.SharedSecretSize)
		})

		It("cannot resume", func() {
			Expect(tx.Pair(ctx)).To(MatchError(protocol.ErrUnknownSecret))
		})
	})

	Describe("Send", func() {
		JustBeforeEach(func() {
			Expect(tx.Pair(ctx)).To(Succeed())
		})

		It("retries temporary write failures", func() {
			gomock.InOrder(
				conn.EXPECT().Send(gomock.Any(), connector.ChannelData, gomock.Any()).Return(&protocol.TransportError{Err: errors.New("busy")}),
				conn.EXPECT().Send(gomock.Any(), connector.ChannelData, gomock.Any()).DoAndReturn(
					func(_ context.Context, _ connector.Channel, data []byte) error {
						receiver.record(data)
						return nil
					}),
			)
			Expect(tx.TypeString(ctx, "hi")).To(Succeed())
			Expect(receiver.payloads()[0].Text).To(Equal("hi"))
		})

		It("does not retry after part of a message was sent", func() {
			gomock.InOrder(
				conn.EXPECT().Send(gomock.Any(), connector.ChannelData, gomock.Any()).Return(nil),
				conn.EXPECT().Send(gomock.Any(), connector.ChannelData, gomock.Any()).Return(protocol.ErrNotConnected),
			)
			err := tx.TypeString(ctx, strings.Repeat("x", 3*writeSize))
			Expect(err).To(MatchError(protocol.ErrNotConnected))
			Expect(protocol.MayHaveSucceeded(err)).To(BeTrue())
			Expect(protocol.ShouldRetry(err)).To(BeFalse())
		})

		It("rejects oversized chords", func() {
			Expect(tx.PressKeys(ctx, 1, 2, 3, 4, 5, 6, 7)).To(MatchError(protocol.ErrBadPayload))
		})
	})
})

var _ = Describe("Credentials", func() {
	It("survive a round trip", func() {
		creds, err := transmitter.NewCredentials()
		Expect(err).NotTo(HaveOccurred())
		creds.Secret = bytes.Repeat([]byte{1}, authentication.SharedSecretSize)

		b, err := creds.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		loaded, err := transmitter.UnmarshalCredentials(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Identity()).To(Equal(creds.Identity()))
		Expect(loaded.Secret).To(Equal(creds.Secret))
	})

	It("reject malformed input", func() {
		_, err := transmitter.UnmarshalCredentials([]byte{0x0a, 0x05, 1})
		Expect(err).To(MatchError(transmitter.ErrInvalidCredentials))
		_, err = transmitter.UnmarshalCredentials(nil)
		Expect(err).To(MatchError(transmitter.ErrInvalidCredentials))
	})
})
