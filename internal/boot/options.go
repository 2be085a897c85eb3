package boot

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the boot decision settings.
type Config struct {
	// Window is how long a healthy image waits for a menu key.
	Window time.Duration

	// Clock times the window.
	Clock Clock

	// Pin is driven high while deciding and low while updating or jumping.
	Pin Pin

	// Logger receives the diagnostic channel.
	Logger logrus.FieldLogger
}

func defaultConfig() Config {
	return Config{
		Window: DefaultWindow,
		Clock:  SystemClock{},
		Pin:    nopPin{},
		Logger: logrus.StandardLogger(),
	}
}

// Option is a functional option for configuring the Machine.
type Option func(*Config)

// WithWindow sets the menu wait window.
func WithWindow(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Window = d
		}
	}
}

// WithClock sets the timer source.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

// WithPin sets the status pin.
func WithPin(pin Pin) Option {
	return func(c *Config) {
		if pin != nil {
			c.Pin = pin
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
