package image

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/bigbag/uartboot/internal/fault"
	"github.com/bigbag/uartboot/internal/flash"
	"github.com/bigbag/uartboot/internal/layout"
)

func newDevice() *flash.MemDevice {
	return flash.NewMemDevice(layout.FlashSize, layout.EraseSize, layout.WriteSize)
}

func newValidator(dev flash.Device) *Validator {
	log, _ := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewValidator(flash.NewRegion(dev), log)
}

// testApp returns an application payload with a sane vector table.
func testApp(size int) []byte {
	app := make([]byte, size)
	for i := range app {
		app[i] = byte(i*7 + 3)
	}
	binary.LittleEndian.PutUint32(app[0:4], 0x20082000)
	binary.LittleEndian.PutUint32(app[4:8], layout.AppBase+0x1C1)
	return app
}

func install(t *testing.T, dev *flash.MemDevice, app []byte, meta Metadata) {
	t.Helper()
	if err := dev.Load(layout.Offset, meta.Encode()); err != nil {
		t.Fatal(err)
	}
	if err := dev.Load(layout.AppOffset, app); err != nil {
		t.Fatal(err)
	}
}

func TestMetadata_EncodeParse(t *testing.T) {
	meta := NewMetadata(8192, 0xCAFEBABE)
	page := meta.Encode()

	if len(page) != layout.PageSize {
		t.Fatalf("Encode() length = %d, want %d", len(page), layout.PageSize)
	}
	if !bytes.Equal(page[0:4], []byte("APPS")) {
		t.Errorf("Encode() magic = %q, want APPS", page[0:4])
	}
	if got := binary.LittleEndian.Uint32(page[4:8]); got != 8192 {
		t.Errorf("Encode() length field = %d, want 8192", got)
	}
	if got := binary.LittleEndian.Uint32(page[8:12]); got != 0xCAFEBABE {
		t.Errorf("Encode() crc field = 0x%08X, want 0xCAFEBABE", got)
	}
	for i := 12; i < len(page); i++ {
		if page[i] != 0xFF {
			t.Fatalf("Encode() padding byte %d = 0x%02X, want 0xFF", i, page[i])
		}
	}

	parsed, err := ParseMetadata(page)
	if err != nil {
		t.Fatalf("ParseMetadata() error = %v", err)
	}
	if parsed != meta {
		t.Errorf("ParseMetadata() = %v, want %v", parsed, meta)
	}
}

func TestParseMetadata_Short(t *testing.T) {
	if _, err := ParseMetadata([]byte("APPS")); !errors.Is(err, fault.ErrImageInvalid) {
		t.Errorf("ParseMetadata(short) error = %v, want ImageInvalid", err)
	}
}

func TestCheckVectors(t *testing.T) {
	tests := []struct {
		name      string
		sp, entry uint32
		wantErr   bool
	}{
		{"valid", 0x20082000, layout.AppBase + 0x1C1, false},
		{"sp below RAM", 0x1FFFFFFC, layout.AppBase, true},
		{"sp above RAM", 0x20082004, layout.AppBase, true},
		{"erased sp", 0xFFFFFFFF, layout.AppBase, true},
		{"entry in RAM", 0x20080000, 0x20000101, true},
		{"erased entry", 0x20080000, 0xFFFFFFFF, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckVectors(tt.sp, tt.entry)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckVectors(0x%08X, 0x%08X) error = %v, wantErr %v", tt.sp, tt.entry, err, tt.wantErr)
			}
		})
	}
}

func TestValidator_Checksum_MatchesReference(t *testing.T) {
	dev := newDevice()
	v := newValidator(dev)

	inputs := [][]byte{
		{},
		[]byte("123456789"),
		testApp(window - 1),
		testApp(window),
		testApp(3*window + 17),
	}

	for _, in := range inputs {
		if err := dev.Load(layout.AppOffset, in); err != nil {
			t.Fatal(err)
		}
		got, err := v.Checksum(layout.AppOffset, uint32(len(in)))
		if err != nil {
			t.Fatalf("Checksum(%d bytes) error = %v", len(in), err)
		}
		if want := crc32.ChecksumIEEE(in); got != want {
			t.Errorf("Checksum(%d bytes) = 0x%08X, want 0x%08X", len(in), got, want)
		}
	}
}

func TestValidator_Checksum_KnownVector(t *testing.T) {
	dev := newDevice()
	dev.Load(0, []byte("123456789"))

	got, err := newValidator(dev).Checksum(0, 9)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xCBF43926 {
		t.Errorf("Checksum(\"123456789\") = 0x%08X, want 0xCBF43926", got)
	}
}

func TestValidator_Checksum_OutOfRange(t *testing.T) {
	v := newValidator(newDevice())

	if _, err := v.Checksum(layout.FlashSize-4, 8); !errors.Is(err, fault.ErrFlash) {
		t.Errorf("Checksum(past end) error = %v, want FlashFault", err)
	}
}

func TestValidator_IsHealthy_RoundTrip(t *testing.T) {
	dev := newDevice()
	app := testApp(10000)
	install(t, dev, app, NewMetadata(uint32(len(app)), crc32.ChecksumIEEE(app)))

	v := newValidator(dev)
	if !v.IsHealthy(layout.Offset) {
		t.Fatal("IsHealthy() = false for a correctly installed image")
	}
	if !v.IsHealthy(layout.Offset) {
		t.Error("IsHealthy() second call = false, want the same result")
	}
}

func TestValidator_IsHealthy_BitFlip(t *testing.T) {
	app := testApp(600)
	meta := NewMetadata(uint32(len(app)), crc32.ChecksumIEEE(app))

	// Skip the SP word so the checksum is what catches the flip.
	for _, pos := range []int{8, 9, 255, 256, 599} {
		for bit := 0; bit < 8; bit += 3 {
			dev := newDevice()
			corrupt := append([]byte(nil), app...)
			corrupt[pos] ^= 1 << bit
			install(t, dev, corrupt, meta)

			if newValidator(dev).IsHealthy(layout.Offset) {
				t.Errorf("IsHealthy() = true with byte %d bit %d flipped", pos, bit)
			}
		}
	}
}

func TestValidator_IsHealthy_BadMagic(t *testing.T) {
	app := testApp(64)
	good := NewMetadata(uint32(len(app)), crc32.ChecksumIEEE(app))

	magics := [][4]byte{
		{'A', 'P', 'P', 'X'},
		{'a', 'p', 'p', 's'},
		{0xFF, 0xFF, 0xFF, 0xFF},
		{0, 0, 0, 0},
	}

	for _, magic := range magics {
		dev := newDevice()
		meta := good
		meta.Magic = magic
		install(t, dev, app, meta)

		v := newValidator(dev)
		if v.IsHealthy(layout.Offset) {
			t.Errorf("IsHealthy() = true with magic %q", magic[:])
		}
		if _, err := v.Inspect(layout.Offset); !errors.Is(err, fault.ErrImageInvalid) {
			t.Errorf("Inspect() error = %v, want ImageInvalid", err)
		}
	}
}

func TestValidator_IsHealthy_LengthBoundary(t *testing.T) {
	app := testApp(1024)
	dev := newDevice()

	// The checksum covers exactly the first 1000 bytes; the trailing bytes
	// must not be included.
	install(t, dev, app, NewMetadata(1000, crc32.ChecksumIEEE(app[:1000])))
	if !newValidator(dev).IsHealthy(layout.Offset) {
		t.Error("IsHealthy() = false for length-bounded checksum")
	}

	dev = newDevice()
	install(t, dev, app, NewMetadata(1000, crc32.ChecksumIEEE(app[:1001])))
	if newValidator(dev).IsHealthy(layout.Offset) {
		t.Error("IsHealthy() = true with checksum over length+1 bytes")
	}

	dev = newDevice()
	install(t, dev, app, NewMetadata(1000, crc32.ChecksumIEEE(app[:999])))
	if newValidator(dev).IsHealthy(layout.Offset) {
		t.Error("IsHealthy() = true with checksum over length-1 bytes")
	}
}

func TestValidator_IsHealthy_BadStackPointer(t *testing.T) {
	app := testApp(256)
	binary.LittleEndian.PutUint32(app[0:4], 0x30000000)
	dev := newDevice()
	install(t, dev, app, NewMetadata(uint32(len(app)), crc32.ChecksumIEEE(app)))

	v := newValidator(dev)
	if v.IsHealthy(layout.Offset) {
		t.Error("IsHealthy() = true with stack pointer outside RAM")
	}

	rep, err := v.Inspect(layout.Offset)
	if !errors.Is(err, fault.ErrImageInvalid) {
		t.Errorf("Inspect() error = %v, want ImageInvalid", err)
	}
	if rep.SP != 0x30000000 {
		t.Errorf("Report.SP = 0x%08X, want 0x30000000", rep.SP)
	}
}

func TestValidator_IsHealthy_LengthTooLarge(t *testing.T) {
	dev := newDevice()
	install(t, dev, testApp(16), NewMetadata(layout.AppCapacity()+1, 0))

	if newValidator(dev).IsHealthy(layout.Offset) {
		t.Error("IsHealthy() = true with length past the end of flash")
	}
}

func TestValidator_IsHealthy_ErasedFlash(t *testing.T) {
	if newValidator(newDevice()).IsHealthy(layout.Offset) {
		t.Error("IsHealthy() = true on erased flash")
	}
}

func TestValidator_Inspect_Report(t *testing.T) {
	dev := newDevice()
	app := testApp(300)
	crc := crc32.ChecksumIEEE(app)
	install(t, dev, app, NewMetadata(300, crc))

	rep, err := newValidator(dev).Inspect(layout.Offset)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if rep.Computed != crc || rep.Metadata.Checksum != crc {
		t.Errorf("Report CRC = 0x%08X / 0x%08X, want 0x%08X", rep.Computed, rep.Metadata.Checksum, crc)
	}
	if rep.SP != 0x20082000 || rep.Entry != layout.AppBase+0x1C1 {
		t.Errorf("Report vectors = 0x%08X/0x%08X", rep.SP, rep.Entry)
	}
}

func TestValidator_DoesNotMutate(t *testing.T) {
	dev := newDevice()
	app := testApp(5000)
	install(t, dev, app, NewMetadata(uint32(len(app)), crc32.ChecksumIEEE(app)))
	before := dev.Bytes()

	v := newValidator(dev)
	v.IsHealthy(layout.Offset)
	v.Checksum(layout.AppOffset, 5000)

	if !bytes.Equal(before, dev.Bytes()) {
		t.Error("validator changed flash contents")
	}
}
