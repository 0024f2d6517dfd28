package cli

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/activation"

	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/connector/inet"
)

// activatedListener returns a Listener on the first socket passed in by systemd, or nil if the
// receiver was not socket activated.
func activatedListener() (*inet.Listener, error) {
	listeners, err := activation.Listeners(false)
	if err != nil {
		return nil, fmt.Errorf("cannot use socket activation: %w", err)
	}
	var found net.Listener
	for _, ln := range listeners {
		if ln == nil {
			continue
		}
		if found != nil {
			log.Warning("Ignoring extra activated socket %s", ln.Addr())
			ln.Close()
			continue
		}
		found = ln
	}
	if found == nil {
		return nil, nil
	}
	log.Info("Listening on %s (socket activated)", found.Addr())
	return inet.NewListener(found), nil
}
