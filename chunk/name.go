// chunk/name.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chunk implements the chunk lifecycle: planning how a file is
// cut into fixed-size pieces, writing the pieces, finding them again on
// disk and deciding whether a set of pieces still matches its plan.
package chunk

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Style selects how chunk names are formed.
type Style int

const (
	// Archived chunks are pieces of a zip container made from the
	// source: "name.zip.001".
	Archived Style = iota + 1
	// Raw chunks are pieces of a source that is already a zip archive:
	// "name.zip" gives "name.zip.001".
	Raw
)

const archiveExt = ".zip"

// OrdinalDigits is the minimum width of the ordinal suffix.
const OrdinalDigits = 3

func (s Style) String() string {
	switch s {
	case Archived:
		return "archived"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("Style(%d)", int(s))
	}
}

func (s Style) prefix(item string) string {
	if s == Archived {
		return item + archiveExt + "."
	}
	return item + "."
}

// IsArchiveName reports whether name already has the archive extension,
// in which case it is split as is.
func IsArchiveName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), archiveExt)
}

// StyleFor returns the style used for the chunks of the given item.
func StyleFor(item string) Style {
	if IsArchiveName(item) {
		return Raw
	}
	return Archived
}

// Name identifies one chunk of an item.
type Name struct {
	Item    string
	Style   Style
	Ordinal int
}

func (n Name) String() string {
	return fmt.Sprintf("%s%0*d", n.Style.prefix(n.Item), OrdinalDigits, n.Ordinal)
}

// ParseName parses s as the name of a chunk of item in the item's own
// style; "a.zip.zip.001" is a chunk of "a.zip.zip", never of "a.zip".
// Names whose ordinal is not in canonical form are rejected, so
// ParseName(n.Item, n.String()) returns n for any n in the style StyleFor
// gives its item.
func ParseName(item, s string) (Name, bool) {
	style := StyleFor(item)
	p := style.prefix(item)
	if !strings.HasPrefix(s, p) {
		return Name{}, false
	}
	digits := s[len(p):]
	if len(digits) < OrdinalDigits || !allDigits(digits) {
		return Name{}, false
	}
	ord, err := strconv.Atoi(digits)
	if err != nil || ord < 1 {
		return Name{}, false
	}
	n := Name{Item: item, Style: style, Ordinal: ord}
	if n.String() != s {
		return Name{}, false
	}
	return n, true
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Names returns the names of the first n chunks of item.
func Names(item string, style Style, n int) []Name {
	names := make([]Name, n)
	for i := range names {
		names[i] = Name{Item: item, Style: style, Ordinal: i + 1}
	}
	return names
}
