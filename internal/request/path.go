package request

import "strings"

// Path is a request path reduced to its segments. Empty and "."
// segments are dropped and ".." removes the previous segment, so a
// Path can never climb above the root.
type Path struct {
	elements []string
}

// NormalizePath treats backslashes as separators. Normalizing the
// String form of a Path yields the same Path.
func NormalizePath(raw string) Path {
	raw = strings.ReplaceAll(raw, `\`, "/")
	var out []string
	for _, e := range strings.Split(raw, "/") {
		e = strings.TrimSpace(e)
		switch e {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, e)
		}
	}
	return Path{elements: out}
}

func (p Path) Length() int { return len(p.elements) }

// Element returns segment i, or "" when i is out of range.
func (p Path) Element(i int) string {
	if i < 0 || i >= len(p.elements) {
		return ""
	}
	return p.elements[i]
}

func (p Path) Elements() []string {
	out := make([]string, len(p.elements))
	copy(out, p.elements)
	return out
}

// Subpath joins the segments from i onwards, as "/a/b". It returns "/"
// when nothing remains.
func (p Path) Subpath(i int) string {
	if i < 0 {
		i = 0
	}
	if i >= len(p.elements) {
		return "/"
	}
	return "/" + strings.Join(p.elements[i:], "/")
}

func (p Path) String() string { return p.Subpath(0) }
