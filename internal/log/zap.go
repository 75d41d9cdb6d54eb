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
	"go.uber.org/zap/zapcore"
)

// zapCore bridges zap's Core interface to a Logger, so packages that build
// their dependencies against *zap.Logger can share the same Output as the
// rest of the engine.
type zapCore struct {
	L Logger
}

func (z zapCore) Enabled(lvl zapcore.Level) bool {
	if lvl < zapcore.InfoLevel {
		return z.L.Debug
	}
	return true
}

func (z zapCore) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	merged := make(map[string]interface{}, len(z.L.Fields)+len(enc.Fields))
	for k, v := range z.L.Fields {
		merged[k] = v
	}
	for k, v := range enc.Fields {
		merged[k] = v
	}

	l := z.L
	l.Fields = merged
	return zapCore{L: l}
}

func (z zapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if z.Enabled(ent.Level) {
		return ce.AddCore(ent, z)
	}
	return ce
}

func (z zapCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	args := make([]interface{}, 0, len(enc.Fields)*2)
	for k, v := range enc.Fields {
		args = append(args, k, v)
	}

	if ent.Level >= zapcore.ErrorLevel {
		z.L.Msg(ent.Message, args...)
	} else {
		z.L.DebugMsg(ent.Message, args...)
	}
	return nil
}

func (z zapCore) Sync() error { return nil }
