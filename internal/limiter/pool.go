/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// concurrencyBucket tracks the number of in-use slots for one Key.
// Acquisition never blocks: a delivery attempt that finds a host or
// domain at capacity must mark the message on-hold and move on rather
// than wait, so tryTake is a single non-blocking compare-and-increment.
type concurrencyBucket struct {
	mu      sync.Mutex
	cap     int
	inUse   int
}

func newConcurrencyBucket(capacity int) *concurrencyBucket {
	return &concurrencyBucket{cap: capacity}
}

func (c *concurrencyBucket) tryTake() bool {
	if c.cap <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse >= c.cap {
		return false
	}
	c.inUse++
	return true
}

func (c *concurrencyBucket) release() {
	if c.cap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse > 0 {
		c.inUse--
	}
}

// rateBucket is a token bucket. Rather than blocking until a token is
// free, tryTake never blocks: on exhaustion it reports when the next
// token would be available via
// rate.Limiter.Reserve, so the caller can reschedule the whole domain at
// retry_at instead of stalling the attempt.
type rateBucket struct {
	limiter *rate.Limiter
}

func newRateBucket(burst int, interval time.Duration) *rateBucket {
	limit := rate.Every(interval)
	if burst == 0 {
		limit = rate.Inf
	}
	return &rateBucket{limiter: rate.NewLimiter(limit, burst)}
}

// tryTake reports success, or - on failure - the time at which a token
// would next be available. The reservation is cancelled on failure so it
// does not consume bucket capacity that was never granted.
func (r *rateBucket) tryTake(now time.Time) (ok bool, retryAt time.Time) {
	res := r.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, now
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return true, time.Time{}
	}
	res.CancelAt(now)
	return false, now.Add(delay)
}
