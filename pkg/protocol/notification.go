package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// NotificationType identifies a message sent from the receiver to a transmitter on the notify
// characteristic.
type NotificationType int32

const (
	NotificationKeepalive    NotificationType = 0
	NotificationRecvReady    NotificationType = 1
	NotificationRecvNotReady NotificationType = 2
	NotificationAuthStatus   NotificationType = 3
)

func (t NotificationType) String() string {
	switch t {
	case NotificationKeepalive:
		return "Keepalive"
	case NotificationRecvReady:
		return "RecvReady"
	case NotificationRecvNotReady:
		return "RecvNotReady"
	case NotificationAuthStatus:
		return "AuthStatus"
	}
	return "Unknown"
}

// AuthStatus is the outcome of a pairing request.
type AuthStatus int32

const (
	AuthFailed  AuthStatus = 0
	AuthSuccess AuthStatus = 1
	AuthBusy    AuthStatus = 2
)

const (
	notificationTypeField      protowire.Number = 1
	notificationStatusField    protowire.Number = 2
	notificationPublicKeyField protowire.Number = 3
)

// Notification is a receiver-to-transmitter status message.
//
// For AuthStatus notifications, PublicKey carries the receiver's base64 ephemeral public key when
// a new shared secret was established. It is empty when the receiver resumed a session from an
// existing enrollment.
type Notification struct {
	Type      NotificationType
	Status    AuthStatus
	PublicKey string
}

func (n *Notification) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, notificationTypeField, uint64(n.Type))
	if n.Type == NotificationAuthStatus {
		b = appendVarintField(b, notificationStatusField, uint64(n.Status))
	}
	if n.PublicKey != "" {
		b = appendBytesField(b, notificationPublicKeyField, []byte(n.PublicKey))
	}
	return b
}

// DecodeNotification parses a Notification. Unknown fields are skipped.
func DecodeNotification(b []byte) (*Notification, error) {
	var n Notification
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case notificationTypeField:
			v, m, err := consumeVarint(typ, b)
			n.Type = NotificationType(v)
			return m, err
		case notificationStatusField:
			v, m, err := consumeVarint(typ, b)
			n.Status = AuthStatus(v)
			return m, err
		case notificationPublicKeyField:
			v, m, err := consumeBytes(typ, b)
			n.PublicKey = string(v)
			return m, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}
