package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// NewAdapter opens the Bluetooth controller identified by id (for example "hci1" or "1"), or the
// default controller if id is empty.
func NewAdapter(id string) (Adapter, error) {
	device, err := newDevice(id)
	if err != nil {
		return nil, err
	}
	return &adapter{device: device}, nil
}

type adapter struct {
	device ble.Device
}

func (s *adapter) ScanBeacon(ctx context.Context, match func(*Beacon) bool) (*Beacon, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var result *Beacon
	fn := func(a ble.Advertisement) {
		if result != nil {
			return
		}
		beacon := advertisementToBeacon(a)
		if !match(beacon) {
			return
		}
		result = beacon
		cancel()
	}

	err := s.device.Scan(scanCtx, false, fn)
	if result != nil {
		return result, nil
	}
	if err == nil || errors.Is(err, context.Canceled) {
		err = ctx.Err()
	}
	return nil, err
}

func (s *adapter) Connect(ctx context.Context, beacon *Beacon) (Device, error) {
	client, err := s.device.Dial(ctx, ble.NewAddr(beacon.Address))
	if err != nil {
		return nil, err
	}
	return &device{client: client}, nil
}

func (s *adapter) Close() error {
	if s.device == nil {
		return nil
	}
	device := s.device
	s.device = nil
	return device.Stop()
}

func advertisementToBeacon(a ble.Advertisement) *Beacon {
	beacon := &Beacon{
		Address:     a.Addr().String(),
		LocalName:   a.LocalName(),
		RSSI:        int16(a.RSSI()),
		Connectable: a.Connectable(),
	}
	for _, uuid := range a.Services() {
		beacon.Services = append(beacon.Services, uuid.String())
	}
	return beacon
}

type device struct {
	client ble.Client
}

func (c *device) Service(_ context.Context, uuid string) (Service, error) {
	services, err := c.client.DiscoverServices([]ble.UUID{ble.MustParse(uuid)})
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enumerate receiver services: %s", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("ble: receiver does not offer service %s", uuid)
	}
	return &service{client: c.client, service: services[0]}, nil
}

func (c *device) Close() error {
	client := c.client
	if client == nil {
		return nil
	}
	c.client = nil
	return errors.Join(client.ClearSubscriptions(), client.CancelConnection())
}

type service struct {
	client  ble.Client
	service *ble.Service
}

func (s *service) Rx(uuid string, callback func(buf []byte)) error {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return err
	}
	if err := s.client.Subscribe(characteristic, false, callback); err != nil {
		return fmt.Errorf("ble: failed to subscribe to notifications: %s", err)
	}
	return nil
}

func (s *service) Tx(uuid string) (Writer, error) {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return nil, err
	}
	return &writer{characteristic: characteristic, client: s.client}, nil
}

func (s *service) discover(uuidStr string) (*ble.Characteristic, error) {
	uuid := ble.MustParse(uuidStr)
	characteristics, err := s.client.DiscoverCharacteristics([]ble.UUID{uuid}, s.service)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to discover service characteristics: %s", err)
	}

	var characteristic *ble.Characteristic
	for _, char := range characteristics {
		if char.UUID.Equal(uuid) {
			characteristic = char
			break
		}
	}
	if characteristic == nil {
		return nil, fmt.Errorf("ble: receiver has no characteristic %s", uuidStr)
	}

	if _, err := s.client.DiscoverDescriptors(nil, characteristic); err != nil {
		return nil, fmt.Errorf("ble: couldn't fetch descriptors: %s", err)
	}
	return characteristic, nil
}

type writer struct {
	characteristic *ble.Characteristic
	client         ble.Client
}

func (w *writer) Write(b []byte) (int, error) {
	if err := w.client.WriteCharacteristic(w.characteristic, b, false); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *writer) MTU(rxMTU int) (int, error) {
	return w.client.ExchangeMTU(rxMTU)
}

// matchUUID compares UUID strings regardless of case or dashes.
func matchUUID(a, b string) bool {
	normalize := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "-", ""))
	}
	return normalize(a) == normalize(b)
}
