// Package ustr implements the immutable byte-slice path/string type
// pathwalk and the inode cache compare and split without ever
// allocating a Go string on the lookup fast path.
//
// Ported from the teacher's ustr/ustr.go.
package ustr

// Ustr is an immutable path or name, compared and sliced byte-wise.
type Ustr []byte

// IsDot reports whether the string equals ".".
func (us Ustr) IsDot() bool {
	return len(us) == 1 && us[0] == '.'
}

// IsDotDot reports whether the string equals "..".
func (us Ustr) IsDotDot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq reports whether us and s contain identical bytes.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// Root is the path "/".
var Root = Ustr("/")

// DotDot is the reusable path "..".
var DotDot = Ustr("..")

// FromNulTerminated converts a NUL-terminated byte slice (as copied in
// from user space by arg_str) to a Ustr truncated at the first NUL.
func FromNulTerminated(buf []byte) Ustr {
	for i, b := range buf {
		if b == 0 {
			return Ustr(buf[:i])
		}
	}
	return Ustr(buf)
}

// Extend appends '/' and p, returning a new path.
func (us Ustr) Extend(p Ustr) Ustr {
	r := make(Ustr, 0, len(us)+1+len(p))
	r = append(r, us...)
	r = append(r, '/')
	r = append(r, p...)
	return r
}

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// String converts the path to a Go string, for diagnostics only.
func (us Ustr) String() string {
	return string(us)
}

// Split walks one path component off the front of us, skipping
// repeated and leading slashes, returning the component, the
// remainder, and whether a component was found.
func (us Ustr) Split() (component Ustr, rest Ustr, ok bool) {
	i := 0
	for i < len(us) && us[i] == '/' {
		i++
	}
	if i == len(us) {
		return nil, nil, false
	}
	j := i
	for j < len(us) && us[j] != '/' {
		j++
	}
	return us[i:j], us[j:], true
}
