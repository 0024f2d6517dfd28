// Package output defines where authenticated keystrokes go once the receiver has decrypted them.
package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/toothpaste/toothpaste/pkg/protocol"
)

//go:generate mockgen -destination=../../mocks/output.go -package=mocks -mock_names=Output=Output . Output

// Output receives decrypted input from the dispatcher. Implementations are called from a single
// goroutine.
type Output interface {
	// TypeString types text. If slow is set the transmitter asked for typing to be paced for
	// hosts that drop fast keystrokes.
	TypeString(ctx context.Context, text string, slow bool) error
	// PressKeys presses and releases a chord of up to protocol.MaxKeycodes HID usage codes.
	PressKeys(ctx context.Context, codes []byte) error
	Mouse(ctx context.Context, report protocol.MouseReport) error
}

// SlowModeDelay is the pause between characters Console inserts in slow mode.
const SlowModeDelay = 10 * time.Millisecond

// Console writes a readable rendition of its input to an io.Writer. It stands in for a USB HID
// device on hosts without one.
type Console struct {
	w         io.Writer
	lock      sync.Mutex
	slowDelay time.Duration
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, slowDelay: SlowModeDelay}
}

func (c *Console) TypeString(ctx context.Context, text string, slow bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !slow || c.slowDelay == 0 {
		_, err := io.WriteString(c.w, text)
		return err
	}
	for _, r := range text {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.slowDelay):
		}
		if _, err := io.WriteString(c.w, string(r)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) PressKeys(_ context.Context, codes []byte) error {
	if len(codes) > protocol.MaxKeycodes {
		return fmt.Errorf("output: chord of %d keys exceeds maximum of %d", len(codes), protocol.MaxKeycodes)
	}
	names := make([]string, len(codes))
	for i, code := range codes {
		names[i] = fmt.Sprintf("0x%02x", code)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	_, err := fmt.Fprintf(c.w, "[keys %s]", strings.Join(names, "+"))
	return err
}

func (c *Console) Mouse(_ context.Context, report protocol.MouseReport) error {
	var dx, dy int64
	for _, f := range report.Frames {
		dx += int64(f.X)
		dy += int64(f.Y)
	}
	var buttons []string
	if report.LeftClick != 0 {
		buttons = append(buttons, "left")
	}
	if report.RightClick != 0 {
		buttons = append(buttons, "right")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	_, err := fmt.Fprintf(c.w, "[mouse dx=%d dy=%d wheel=%d buttons=%s]", dx, dy, report.Wheel, strings.Join(buttons, ","))
	return err
}
