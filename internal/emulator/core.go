package emulator

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Signals raised by Core in place of the transitions a real processor makes.
// PowerOn recovers them.
type (
	launchSignal struct{ sp, entry uint32 }
	resetSignal  struct{}
	haltSignal   struct{}
)

// Stats counts what the emulated processor has done so far.
type Stats struct {
	Launches    int
	Resets      int
	VectorTable uint32
	SP          uint32
	Entry       uint32
}

// Core is a software launch.Core. Bootstrap, Reset and WaitForInterrupt
// unwind the calling goroutine with a panic, so they must only be reached
// from PowerOn.
type Core struct {
	log logrus.FieldLogger

	mu    sync.Mutex
	stats Stats
}

func newCore(log logrus.FieldLogger) *Core {
	return &Core{log: log}
}

func (c *Core) SetVectorTable(base uint32) {
	c.mu.Lock()
	c.stats.VectorTable = base
	c.mu.Unlock()
	c.log.Debugf("VTOR = 0x%08X", base)
}

func (c *Core) Bootstrap(sp, entry uint32) {
	c.mu.Lock()
	c.stats.Launches++
	c.stats.SP = sp
	c.stats.Entry = entry
	c.mu.Unlock()
	panic(launchSignal{sp: sp, entry: entry})
}

func (c *Core) Reset() {
	c.mu.Lock()
	c.stats.Resets++
	c.mu.Unlock()
	panic(resetSignal{})
}

func (c *Core) WaitForInterrupt() {
	panic(haltSignal{})
}

// Stats returns a snapshot of the counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

type logPin struct {
	log logrus.FieldLogger
}

func (p logPin) High() { p.log.Debug("status pin high") }
func (p logPin) Low()  { p.log.Debug("status pin low") }
