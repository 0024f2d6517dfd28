package ble

import (
	"errors"

	"github.com/go-ble/ble"
)

func newDevice(_ string) (ble.Device, error) {
	return nil, errors.New("not supported on Windows")
}

func IsAdapterError(_ error) bool {
	return false
}

func AdapterErrorHelpMessage(err error) string {
	return err.Error()
}
