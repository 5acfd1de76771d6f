// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// fallbackEncodings are tried in order when a chunk is not valid UTF-8.
var fallbackEncodings = []encoding.Encoding{
	charmap.ISO8859_1,
	charmap.Windows1252,
}

// Decode converts raw terminal bytes to text. Valid UTF-8 is used as is;
// otherwise Latin-1, then Windows-1252, then ASCII, then UTF-8 with
// replacement characters.
func Decode(b []byte) string {
	if utf8.Valid(b) {
		return norm.NFC.String(string(b))
	}
	for _, enc := range fallbackEncodings {
		if out, err := enc.NewDecoder().Bytes(b); err == nil {
			return string(out)
		}
	}
	if ascii, ok := decodeASCII(b); ok {
		return ascii
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

func decodeASCII(b []byte) (string, bool) {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return "", false
		}
	}
	return string(b), true
}

// streamDecoder decodes successive reads, holding back a UTF-8 sequence
// split across two reads.
type streamDecoder struct {
	pending []byte
}

func (d *streamDecoder) decode(chunk []byte) string {
	data := append(d.pending, chunk...)
	d.pending = nil

	// Hold back at most one incomplete trailing rune.
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(data) {
		d.pending = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	return Decode(data)
}

// flush decodes whatever is still held back.
func (d *streamDecoder) flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	out := Decode(d.pending)
	d.pending = nil
	return out
}
