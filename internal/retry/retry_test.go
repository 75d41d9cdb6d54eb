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

package retry

import (
	"testing"
	"time"
)

func TestSchedule_NextWait_ClampsToLastEntry(t *testing.T) {
	sched := Schedule{time.Minute, 5 * time.Minute, 30 * time.Minute}

	cases := []struct {
		attempt uint32
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 5 * time.Minute},
		{2, 30 * time.Minute},
		{3, 30 * time.Minute},
		{1000, 30 * time.Minute},
	}
	for _, c := range cases {
		if got := sched.NextWait(c.attempt); got != c.want {
			t.Errorf("NextWait(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestState_Advance(t *testing.T) {
	sched := Schedule{time.Minute, 5 * time.Minute}
	now := time.Now()

	var s State
	s.Advance(sched, now)
	if s.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", s.Attempt)
	}
	if !s.Due.Equal(now.Add(time.Minute)) {
		t.Fatalf("Due = %v, want %v", s.Due, now.Add(time.Minute))
	}

	s.Advance(sched, now)
	if s.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", s.Attempt)
	}
	if !s.Due.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("Due = %v, want %v", s.Due, now.Add(5*time.Minute))
	}

	// Attempt index clamps at len(sched)-1 from here on.
	s.Advance(sched, now)
	if !s.Due.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("Due after clamp = %v, want %v", s.Due, now.Add(5*time.Minute))
	}
}
