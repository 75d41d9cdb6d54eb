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

// Package retry implements the table-driven retry schedule a domain's
// Retry state advances through: an ordered list of wait durations indexed
// by attempt count, saturating at the last entry.
//
// This uses a configured lookup table rather than an exponential formula
// (initialRetryTime * retryTimeScale^(triesCount-1)) with the literal
// indexed-table lookup this system's schedule calls for; the bookkeeping
// around it - attempt counter frozen on terminal status, min-clamped index -
// is kept the same.
package retry

import "time"

// Schedule is an ordered list of wait durations, indexed by attempt count
// and clamped to the last entry once attempts exceed its length.
type Schedule []time.Duration

// NextWait returns the wait duration for the given zero-based attempt
// count. An empty Schedule always waits zero - callers should treat that
// as "retry disabled" and never construct one for real use.
func (s Schedule) NextWait(attempt uint32) time.Duration {
	if len(s) == 0 {
		return 0
	}
	idx := int(attempt)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

// State tracks one domain's retry progress: the attempt counter and the
// instant it is next due. The counter increments only when Advance is
// called after a TemporaryFailure transition; Completed/PermanentFailure
// domains must not call Advance again: they are never retried.
type State struct {
	Attempt uint32
	Due     time.Time
}

// Advance computes the next Due from now using schedule indexed by the
// current Attempt, then increments Attempt. It must be called exactly once
// per TemporaryFailure transition.
func (s *State) Advance(schedule Schedule, now time.Time) {
	s.Due = now.Add(schedule.NextWait(s.Attempt))
	s.Attempt++
}
