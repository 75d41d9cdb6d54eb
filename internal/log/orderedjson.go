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
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// marshalOrderedJSON writes fields as a JSON object with keys sorted
// lexically, so identical field sets always produce byte-identical output
// (useful for grepping/diffing log lines).
func marshalOrderedJSON(w io.Writer, fields map[string]interface{}) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if _, err := io.WriteString(w, "{"); err != nil {
		return err
	}
	for i, k := range keys {
		if i != 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}

		keyJSON, err := json.Marshal(k)
		if err != nil {
			return err
		}
		if _, err := w.Write(keyJSON); err != nil {
			return err
		}
		if _, err := io.WriteString(w, ":"); err != nil {
			return err
		}

		valJSON, err := marshalValue(fields[k])
		if err != nil {
			return err
		}
		if _, err := w.Write(valJSON); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}")
	return err
}

func marshalValue(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case time.Time:
		return json.Marshal(v.Format(time.RFC3339))
	case time.Duration:
		return json.Marshal(v.String())
	case LogFormatter:
		return json.Marshal(v.FormatLog())
	case error:
		return json.Marshal(v.Error())
	case fmt.Stringer:
		return json.Marshal(v.String())
	default:
		return json.Marshal(v)
	}
}
