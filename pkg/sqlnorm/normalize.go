// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlnorm implements the lightweight SQL normalization the engine
// uses for query deduplication and pattern matching. It is deliberately not
// a SQL parser; it only needs to be stable under whitespace, comment and
// literal changes.
package sqlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment  = regexp.MustCompile(`--[^\n]*`)
	reWhitespace   = regexp.MustCompile(`\s+`)

	// Literal forms replaced by a single ? token. Order matters: strings
	// before numbers so quoted digits are not split.
	reString    = regexp.MustCompile(`'(?:[^']|'')*'`)
	reDollarStr = regexp.MustCompile(`\$\$.*?\$\$`)
	reHexNum    = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	reNumber    = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:[eE][+-]?\d+)?\b`)
	reParam     = regexp.MustCompile(`(?:\$\d+|:\w+|@\w+|\?)`)
	reBool      = regexp.MustCompile(`(?i)\b(?:true|false|null)\b`)

	// IN (?, ?, ?) and VALUES (?, ?) lists collapse so list length does
	// not change the fingerprint.
	reValueList = regexp.MustCompile(`\(\s*\?(?:\s*,\s*\?)+\s*\)`)
)

// Normalize canonicalizes SQL text: comments stripped, whitespace collapsed,
// literals replaced by ?, unquoted identifiers lowercased, repeated value
// lists collapsed. Normalize is idempotent.
func Normalize(sql string) string {
	s := reBlockComment.ReplaceAllString(sql, " ")
	s = reLineComment.ReplaceAllString(s, " ")
	s = reDollarStr.ReplaceAllString(s, "?")
	s = reString.ReplaceAllString(s, "?")
	s = lowercaseUnquoted(s)
	// Parameter markers first so $1 is not split by the number pass.
	s = reParam.ReplaceAllString(s, "?")
	s = reHexNum.ReplaceAllString(s, "?")
	s = reNumber.ReplaceAllString(s, "?")
	s = reBool.ReplaceAllString(s, "?")
	s = reWhitespace.ReplaceAllString(s, " ")
	s = reValueList.ReplaceAllString(s, "(?)")
	// A second pass so lists that became uniform after literal replacement
	// still collapse, keeping Normalize idempotent.
	s = reValueList.ReplaceAllString(s, "(?)")
	return strings.TrimSpace(s)
}

// lowercaseUnquoted lowercases everything outside double-quoted identifier
// regions. String literals have already been replaced at this point.
func lowercaseUnquoted(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inQuote := false
	for _, r := range s {
		if r == '"' {
			inQuote = !inQuote
			b.WriteRune(r)
			continue
		}
		if inQuote {
			b.WriteRune(r)
		} else {
			b.WriteString(strings.ToLower(string(r)))
		}
	}
	return b.String()
}

// FingerprintLen is the hex length of a query fingerprint.
const FingerprintLen = 16

// Fingerprint returns the 16-hex-char SHA-256 prefix of the normalized SQL.
func Fingerprint(sql string) string {
	sum := sha256.Sum256([]byte(Normalize(sql)))
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}
