package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/connector"
)

const advertiseRetryInterval = time.Second

// Peripheral serves the receiver's GATT service. It implements connector.Peripheral.
type Peripheral struct {
	*connector.Hub
	device ble.Device
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	lock    sync.Mutex
	watched map[connector.Link]bool
}

// NewPeripheral registers the receiver's service on the Bluetooth controller identified by
// adapterID and advertises it under name until Close is called.
func NewPeripheral(name, adapterID string) (*Peripheral, error) {
	device, err := newDevice(adapterID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultLocalName
	}

	p := &Peripheral{
		Hub:     connector.NewHub(),
		device:  device,
		watched: make(map[connector.Link]bool),
	}

	svc := ble.NewService(ble.MustParse(ServiceUUID))
	svc.NewCharacteristic(ble.MustParse(DataUUID)).HandleWrite(p.writeHandler(connector.ChannelData))
	svc.NewCharacteristic(ble.MustParse(PairingUUID)).HandleWrite(p.writeHandler(connector.ChannelPairing))
	svc.NewCharacteristic(ble.MustParse(NotifyUUID)).HandleNotify(ble.NotifyHandlerFunc(p.subscribe))

	if err := device.AddService(svc); err != nil {
		device.Stop()
		return nil, fmt.Errorf("ble: failed to register service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.advertise(ctx, name)
	return p, nil
}

func (p *Peripheral) advertise(ctx context.Context, name string) {
	defer p.wg.Done()
	uuid := ble.MustParse(ServiceUUID)
	for {
		log.Info("Advertising as %q", name)
		err := p.device.AdvertiseNameAndServices(ctx, name, uuid)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warning("ble: advertising stopped: %s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(advertiseRetryInterval):
		}
	}
}

// track emits EventConnected the first time conn is seen and EventDisconnected when it drops.
func (p *Peripheral) track(conn ble.Conn) connector.Link {
	link := connector.Link(conn.RemoteAddr().String())
	p.lock.Lock()
	known := p.watched[link]
	p.watched[link] = true
	p.lock.Unlock()
	if known {
		return link
	}

	p.Connect(link, nil)
	go func() {
		select {
		case <-conn.Disconnected():
		case <-p.Done():
			return
		}
		p.lock.Lock()
		delete(p.watched, link)
		p.lock.Unlock()
		p.Disconnect(link)
	}()
	return link
}

func (p *Peripheral) writeHandler(channel connector.Channel) ble.WriteHandler {
	return ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		link := p.track(req.Conn())
		log.Debug("[%s] RX %s: %02x", link, channel, req.Data())
		p.Write(link, channel, req.Data())
	})
}

func (p *Peripheral) subscribe(req ble.Request, n ble.Notifier) {
	link := p.track(req.Conn())
	log.Debug("[%s] Subscribed to notifications", link)

	var lock sync.Mutex
	p.Connect(link, func(ctx context.Context, data []byte) error {
		chunks, err := splitNotification(data, n.Cap())
		if err != nil {
			return err
		}
		lock.Lock()
		defer lock.Unlock()
		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := n.Write(chunk); err != nil {
				return err
			}
		}
		return nil
	})

	select {
	case <-n.Context().Done():
	case <-p.Done():
	}
	p.Unsubscribe(link)
}

// Close stops advertising, closes the Events channel and releases the controller.
func (p *Peripheral) Close() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.Hub.Close()
		if err := p.device.Stop(); err != nil {
			log.Warning("ble: failed to stop device: %s", err)
		}
	})
}
