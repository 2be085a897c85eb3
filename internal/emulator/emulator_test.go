package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/bigbag/uartboot/internal/flash"
	"github.com/bigbag/uartboot/internal/image"
	"github.com/bigbag/uartboot/internal/layout"
	"github.com/bigbag/uartboot/internal/protocol"
	"github.com/bigbag/uartboot/internal/uploader"
)

func application(n int, entry uint32) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	binary.LittleEndian.PutUint32(p[0:4], 0x20041000)
	binary.LittleEndian.PutUint32(p[4:8], entry)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPowerOn_UpdateLaunchReboot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	dev, err := flash.OpenFile(path, layout.FlashSize, layout.EraseSize, layout.WriteSize)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	host, device := protocol.Pipe()
	defer host.Close()

	log, _ := logtest.NewNullLogger()
	m := New(flash.NewRegion(dev), device, Options{Window: 20 * time.Millisecond, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.PowerOn(ctx) }()

	// Blank flash: the bootloader goes straight to update mode.
	app := application(6000, layout.AppBase+0x201)
	if err := uploader.New(host, uploader.Options{Logger: log}).Upload(ctx, app); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	waitFor(t, "first launch", func() bool { return m.Core().Stats().Launches == 1 })
	stats := m.Core().Stats()
	if stats.Resets != 1 {
		t.Errorf("resets = %d, want 1 after commit", stats.Resets)
	}
	if stats.VectorTable != layout.AppBase || stats.SP != 0x20041000 || stats.Entry != layout.AppBase+0x201 {
		t.Errorf("launch stats = %+v", stats)
	}

	if err := host.Write([]byte("noise reboot\r\n")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relaunch after reboot", func() bool { return m.Core().Stats().Launches == 2 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("PowerOn() = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("PowerOn() did not return after cancel")
	}

	// The committed image survives in the backing file.
	reopened, err := flash.OpenFile(path, layout.FlashSize, layout.EraseSize, layout.WriteSize)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if !image.NewValidator(flash.NewRegion(reopened), log).IsHealthy(layout.Offset) {
		t.Error("flash file does not hold a healthy image")
	}
}

func TestPowerOn_MenuKeyAfterReboot(t *testing.T) {
	dev := flash.NewMemDevice(layout.FlashSize, layout.EraseSize, layout.WriteSize)
	old := application(100, layout.AppBase+0x101)
	dev.Load(layout.Offset, image.NewMetadata(uint32(len(old)), crc32.ChecksumIEEE(old)).Encode())
	dev.Load(layout.AppOffset, old)

	host, device := protocol.Pipe()
	defer host.Close()

	log, _ := logtest.NewNullLogger()
	m := New(flash.NewRegion(dev), device, Options{Window: 500 * time.Millisecond, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.PowerOn(ctx)

	up := uploader.New(host, uploader.Options{EnterDelay: 10 * time.Millisecond, Logger: log})
	if err := up.Enter(ctx); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	app := application(5000, layout.AppBase+0x301)
	if err := up.Upload(ctx, app); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	// The first boot's wait saw 'u' and updated; the second boot launches
	// the new image after its window.
	waitFor(t, "launch of the new image", func() bool { return m.Core().Stats().Launches == 1 })
	if got := m.Core().Stats().Entry; got != layout.AppBase+0x301 {
		t.Errorf("entry = 0x%08X, want the uploaded image", got)
	}
}

func TestPowerOn_HaltsOnBadEntry(t *testing.T) {
	dev := flash.NewMemDevice(layout.FlashSize, layout.EraseSize, layout.WriteSize)
	app := application(64, 0x00000100)
	dev.Load(layout.Offset, image.NewMetadata(uint32(len(app)), crc32.ChecksumIEEE(app)).Encode())
	dev.Load(layout.AppOffset, app)

	_, device := protocol.Pipe()
	log, hook := logtest.NewNullLogger()
	m := New(flash.NewRegion(dev), device, Options{Window: 10 * time.Millisecond, Logger: log})

	if err := m.PowerOn(context.Background()); !errors.Is(err, ErrHalted) {
		t.Fatalf("PowerOn() = %v, want ErrHalted", err)
	}
	if m.Core().Stats().Launches != 0 {
		t.Error("corrupted image was bootstrapped")
	}

	var sawError bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			sawError = true
		}
	}
	if !sawError {
		t.Error("halt was not reported on the diagnostic channel")
	}
}
