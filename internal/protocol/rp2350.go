package protocol

// Default baud rate
const DefaultBaudRate = 115200

// RebootCommand is the line the stock application accepts to reset itself
// into the bootloader.
const RebootCommand = "reboot\r\n"

// USB vendor IDs of parts and bridges the bootloader is usually reached over.
const (
	VendorRaspberryPi = 0x2E8A
	VendorFTDI        = 0x0403
	VendorSiliconLabs = 0x10C4
	VendorWCH         = 0x1A86
)

// VendorName returns human-readable name for a USB vendor ID
func VendorName(vid uint16) string {
	switch vid {
	case VendorRaspberryPi:
		return "Raspberry Pi"
	case VendorFTDI:
		return "FTDI"
	case VendorSiliconLabs:
		return "Silicon Labs"
	case VendorWCH:
		return "WCH"
	default:
		return ""
	}
}
