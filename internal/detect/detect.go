package detect

import (
	"fmt"
	"strconv"

	"go.bug.st/serial/enumerator"

	"github.com/bigbag/uartboot/internal/protocol"
)

// Result represents a serial port that looks like an update target.
type Result struct {
	Port    string
	VID     uint16
	PID     uint16
	Vendor  string
	Product string
	Serial  string
}

// lister is swapped out by tests.
var lister = enumerator.GetDetailedPortsList

// DetectDevice returns the first USB serial port from a known vendor.
func DetectDevice() (*Result, error) {
	devices, err := ListDevices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no RP2xxx or USB-UART bridge found")
	}
	return &devices[0], nil
}

// ListDevices enumerates USB serial ports and keeps those whose vendor ID
// matches a known target or USB-UART bridge.
func ListDevices() ([]Result, error) {
	ports, err := lister()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		vid, err := parseID(port.VID)
		if err != nil {
			continue
		}
		vendor := protocol.VendorName(vid)
		if vendor == "" {
			continue
		}
		pid, _ := parseID(port.PID)
		results = append(results, Result{
			Port:    port.Name,
			VID:     vid,
			PID:     pid,
			Vendor:  vendor,
			Product: port.Product,
			Serial:  port.SerialNumber,
		})
	}

	return results, nil
}

// parseID parses a hexadecimal USB ID as reported by the enumerator.
func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	return uint16(v), err
}
