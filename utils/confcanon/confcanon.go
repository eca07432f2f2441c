// Package confcanon reduces ini style configuration files to a canonical
// form, so that two files which configure the same thing compare equal
// regardless of comments, ordering, case of names or spacing.
package confcanon

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

var loadOptions = ini.LoadOptions{
	Insensitive:         true,
	AllowShadows:        true,
	IgnoreInlineComment: true,
	KeyValueDelimiters:  "=",
}

type entry struct {
	key   string
	value string
}

// Canonicalize parses an ini file and renders it canonically.  Keys which
// appear before the first section header belong to the unnamed section.
func Canonicalize(data []byte) ([]byte, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, err
	}

	sections := make(map[string][]entry)
	for _, sec := range f.Sections() {
		name := sec.Name()
		if strings.EqualFold(name, ini.DefaultSection) {
			name = ""
		}

		for _, key := range sec.Keys() {
			for _, value := range key.ValueWithShadows() {
				sections[name] = append(sections[name], entry{key: key.Name(), value: value})
			}
		}
	}

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	var out bytes.Buffer
	for _, name := range names {
		entries := sections[name]
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].key < entries[j].key
		})

		if name != "" {
			fmt.Fprintf(&out, "[%s]\n", name)
		}
		for _, e := range entries {
			fmt.Fprintf(&out, "%s=%s\n", e.key, e.value)
		}
	}

	return out.Bytes(), nil
}

// Equal reports whether two files are canonically the same.
func Equal(a, b []byte) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}

	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}

	return bytes.Equal(ca, cb), nil
}
