package resolver

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Canonical normalizes a bundle version to semver canonical form ("v1.2.0"). An empty
// version is treated as 0.0.0, and missing minor/patch components are filled in.
func Canonical(version string) (string, error) {
	v := strings.TrimSpace(version)
	if v == "" {
		return "v0.0.0", nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return semver.Canonical(v), nil
}

func compare(a, b string) int { return semver.Compare(a, b) }

// Range is a parsed version interval. A zero Range includes every version.
type Range struct {
	Min, Max                   string
	MinInclusive, MaxInclusive bool
}

// ParseRange parses interval notation. A bare version means "that version or newer".
func ParseRange(spec string) (Range, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return Range{}, nil
	}
	if s[0] != '[' && s[0] != '(' {
		minV, err := Canonical(s)
		if err != nil {
			return Range{}, err
		}
		return Range{Min: minV, MinInclusive: true}, nil
	}

	last := s[len(s)-1]
	if len(s) < 2 || (last != ']' && last != ')') {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, spec)
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, spec)
	}
	r := Range{MinInclusive: s[0] == '[', MaxInclusive: last == ']'}
	var err error
	if r.Min, err = Canonical(parts[0]); err != nil {
		return Range{}, err
	}
	if strings.TrimSpace(parts[1]) != "" {
		if r.Max, err = Canonical(parts[1]); err != nil {
			return Range{}, err
		}
		if c := compare(r.Min, r.Max); c > 0 || (c == 0 && !(r.MinInclusive && r.MaxInclusive)) {
			return Range{}, fmt.Errorf("%w: %q is empty", ErrInvalidRange, spec)
		}
	}
	return r, nil
}

// Includes reports whether the canonical version v lies in the range.
func (r Range) Includes(v string) bool {
	if r.Min != "" {
		c := compare(v, r.Min)
		if c < 0 || (c == 0 && !r.MinInclusive) {
			return false
		}
	}
	if r.Max != "" {
		c := compare(v, r.Max)
		if c > 0 || (c == 0 && !r.MaxInclusive) {
			return false
		}
	}
	return true
}

func (r Range) String() string {
	if r.Min == "" && r.Max == "" {
		return "*"
	}
	if r.Max == "" {
		if r.MinInclusive {
			return ">=" + r.Min
		}
		return ">" + r.Min
	}
	open, closing := "(", ")"
	if r.MinInclusive {
		open = "["
	}
	if r.MaxInclusive {
		closing = "]"
	}
	return open + r.Min + "," + r.Max + closing
}
