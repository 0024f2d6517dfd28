package ble

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

const bleTimeout = 20 * time.Second

var scanParams = cmd.LESetScanParameters{
	LEScanType:           1,    // Active scanning
	LEScanInterval:       0x10, // 10ms
	LEScanWindow:         0x10, // 10ms
	OwnAddressType:       0,    // Static
	ScanningFilterPolicy: 0,    // Accept all advertisements
}

func parseAdapterID(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "hci"))
	if err != nil || n < 0 {
		return 0, ErrAdapterInvalidID
	}
	return n, nil
}

func newDevice(id string) (ble.Device, error) {
	opts := []ble.Option{
		ble.OptListenerTimeout(bleTimeout),
		ble.OptDialerTimeout(bleTimeout),
		ble.OptScanParams(scanParams),
	}
	if id != "" {
		n, err := parseAdapterID(id)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ble.OptDeviceID(n))
	}
	device, err := linux.NewDevice(opts...)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// IsAdapterError returns true if err was caused by a missing or inaccessible controller rather
// than by the receiver.
func IsAdapterError(err error) bool {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, ErrAdapterInvalidID) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "can't init hci") || strings.Contains(msg, "operation not permitted")
}

func AdapterErrorHelpMessage(err error) string {
	return "Failed to initialize BLE adapter: \n\t" + err.Error() + "\n" +
		"Make sure the adapter is up and not claimed by bluetoothd (e.g. `sudo hciconfig hci0 down`),\n" +
		"and that this binary may open raw HCI sockets (e.g. `sudo setcap 'cap_net_raw,cap_net_admin+eip' <binary>`)."
}
