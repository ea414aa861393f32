package config

import "time"

// NetConfig contains dial retry options.
type NetConfig struct {
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
}

// Backoff returns the retry delays with defaults for unset values.
func (n NetConfig) Backoff() (initial, maxDelay, jitter time.Duration) {
	initial = time.Duration(n.DialBackoffInitialMS) * time.Millisecond
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxDelay = time.Duration(n.DialBackoffMaxMS) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return initial, maxDelay, time.Duration(n.DialBackoffJitterMS) * time.Millisecond
}
