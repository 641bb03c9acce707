// Package backoff 计算重连等待时间
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultDelay = 5 * time.Second

	// maxDelay 未设置上限时的最大等待，float64(math.MaxInt64) 会进位到 2^63
	maxDelay = time.Duration(math.MaxInt64)
)

// Strategy delay = min(BaseDelay * Multiplier^attempt, MaxDelay)，再按 Jitter 比例随机浮动
type Strategy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter 取值 [0, 1]，0 表示不抖动
	Jitter float64
}

// Default waits a fixed 5 seconds between attempts.
func Default() Strategy {
	return Fixed(DefaultDelay)
}

func Fixed(delay time.Duration) Strategy {
	return Strategy{BaseDelay: delay, MaxDelay: delay, Multiplier: 1}
}

// Exponential doubles the delay on every attempt up to maxDelay.
func Exponential(base, maxDelay time.Duration) Strategy {
	return Strategy{BaseDelay: base, MaxDelay: maxDelay, Multiplier: 2}
}

// Delay returns the wait before retry number attempt (0-based).
func (s Strategy) Delay(attempt int) time.Duration {
	if s.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(s.BaseDelay)
	if s.Multiplier > 1 && attempt > 0 {
		delay *= math.Pow(s.Multiplier, float64(attempt))
	}
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		delay = float64(s.MaxDelay)
	}

	if s.Jitter > 0 {
		jitter := math.Min(s.Jitter, 1)
		// 在 [delay*(1-jitter), delay*(1+jitter)) 内均匀分布
		delay = delay * (1 - jitter + 2*jitter*rand.Float64())
	}
	if math.IsNaN(delay) || delay >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}
