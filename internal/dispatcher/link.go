package dispatcher

import (
	"fmt"
	"time"

	"github.com/juju/ratelimit"

	"github.com/toothpaste/toothpaste/internal/framing"
	"github.com/toothpaste/toothpaste/pkg/connector"
)

// link is the receiver's state for one transport connection. It is only touched by the
// dispatcher's event loop.
type link struct {
	id          connector.Link
	reassembler *framing.Reassembler
	session     *session
	connectedAt time.Time

	pairingBucket *ratelimit.Bucket
}

func newLink(id connector.Link, timeout time.Duration, pairingRate float64, pairingBurst int64) *link {
	return &link{
		id:            id,
		reassembler:   framing.NewReassembler(timeout),
		connectedAt:   time.Now(),
		pairingBucket: ratelimit.NewBucketWithRate(pairingRate, pairingBurst),
	}
}

func (l *link) String() string {
	if l.session == nil {
		return fmt.Sprintf("[%s]", l.id)
	}
	return fmt.Sprintf("[%s %02x]", l.id, l.session.identity[1:5])
}
