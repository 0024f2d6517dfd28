package ble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"

	"github.com/toothpaste/toothpaste/internal/log"
)

func newDevice(id string) (ble.Device, error) {
	if id != "" {
		log.Warning("BLE adapter ID is not supported on Darwin")
	}
	device, err := darwin.NewDevice()
	if err != nil {
		return nil, err
	}
	return device, nil
}

func IsAdapterError(_ error) bool {
	return false
}

func AdapterErrorHelpMessage(err error) string {
	return err.Error()
}
