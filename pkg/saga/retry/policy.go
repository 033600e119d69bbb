// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package retry provides the backoff strategy used between step execution
// and compensation attempts.
package retry

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidConfig is returned when the retry configuration is invalid.
var ErrInvalidConfig = errors.New("invalid retry configuration")

// Config defines the bounds of a retry strategy.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial
	// one. Must be >= 1; a value of 1 means no retries.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries. A value of 0 means no cap.
	MaxDelay time.Duration
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidConfig
	}
	if c.InitialDelay < 0 {
		return ErrInvalidConfig
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns the default strategy bounds: 3 attempts, 100ms
// initial delay, 30s cap.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// ExponentialBackoff doubles the delay with each attempt up to the
// configured cap. Formula: delay = InitialDelay * Multiplier^(attempt-1).
type ExponentialBackoff struct {
	// Config is the base retry configuration.
	Config *Config

	// Multiplier is the growth factor per attempt, >= 1.0.
	Multiplier float64
}

// NewExponentialBackoff creates an exponential backoff policy. A multiplier
// below 1.0 falls back to doubling.
func NewExponentialBackoff(config *Config, multiplier float64) *ExponentialBackoff {
	if config == nil {
		config = DefaultConfig()
	}
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return &ExponentialBackoff{Config: config, Multiplier: multiplier}
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-indexed attempt.
func (p *ExponentialBackoff) ShouldRetry(attempt int) bool {
	return attempt < p.Config.MaxAttempts
}

// Delay returns the pause before the retry that follows the given 1-indexed
// attempt.
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(p.Config.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Config.MaxDelay > 0 && delay > float64(p.Config.MaxDelay) {
		delay = float64(p.Config.MaxDelay)
	}
	return time.Duration(delay)
}

// MaxAttempts returns the attempt budget.
func (p *ExponentialBackoff) MaxAttempts() int {
	return p.Config.MaxAttempts
}
