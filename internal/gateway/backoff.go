package gateway

import (
	"math/rand"
	"time"
)

// Backoff calculates backoff delay with jitter
func Backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << (rand.Intn(4)) // 1,2,4,8
	d := time.Duration(int(min) * mul)
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}
