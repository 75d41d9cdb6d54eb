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

package log

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Output is a sink for formatted log lines.
type Output interface {
	Write(t time.Time, debug bool, msg string)
}

type funcOutput func(t time.Time, debug bool, msg string)

func (f funcOutput) Write(t time.Time, debug bool, msg string) { f(t, debug, msg) }

// FuncOutput wraps a plain function as an Output.
func FuncOutput(f func(t time.Time, debug bool, msg string)) Output {
	return funcOutput(f)
}

type nopOutput struct{}

func (nopOutput) Write(time.Time, bool, string) {}

// NopOutput discards everything written to it.
func NopOutput() Output { return nopOutput{} }

type multiOutput struct {
	outs []Output
}

func (m multiOutput) Write(t time.Time, debug bool, msg string) {
	for _, o := range m.outs {
		o.Write(t, debug, msg)
	}
}

// MultiOutput fans out to all of outs.
func MultiOutput(outs ...Output) Output {
	return multiOutput{outs: outs}
}

type writerOutput struct {
	mu        *sync.Mutex
	w         io.Writer
	timestamp bool
}

func (w writerOutput) Write(t time.Time, debug bool, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := ""
	if w.timestamp {
		prefix = t.Format("2006-01-02 15:04:05 ")
	}
	if debug {
		prefix += "[debug] "
	}

	fmt.Fprintln(w.w, prefix+msg)
}

// WriterOutput writes each line to w, optionally prefixed with a timestamp.
// w is not required to be safe for concurrent use; WriterOutput serializes
// access to it.
func WriterOutput(w io.Writer, timestamp bool) Output {
	return writerOutput{mu: new(sync.Mutex), w: w, timestamp: timestamp}
}
