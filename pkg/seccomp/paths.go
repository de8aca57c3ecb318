package seccomp

import (
	"fmt"
	"strings"
)

// maxPathComponentLen mirrors Linux's NAME_MAX.
const maxPathComponentLen = 255

// ValidatePath checks that path is an absolute, canonical path: no "."
// or ".." components, no "//" or trailing "/" (except the root path "/"
// itself), and no component longer than NAME_MAX. This is the canonical-
// form check spec.md §3 and §8 require of every allowlisted path.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("seccomp: empty path is not allowed")
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("seccomp: path %q is not absolute", path)
	}
	if path == "/" {
		return nil
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("seccomp: path %q has a trailing slash", path)
	}
	for _, component := range strings.Split(path[1:], "/") {
		switch component {
		case "":
			return fmt.Errorf("seccomp: path %q contains a double slash", path)
		case ".":
			return fmt.Errorf("seccomp: path %q contains a '.' component", path)
		case "..":
			return fmt.Errorf("seccomp: path %q contains a '..' component", path)
		}
		if len(component) > maxPathComponentLen {
			return fmt.Errorf("seccomp: path %q has a component longer than %d bytes", path, maxPathComponentLen)
		}
	}
	return nil
}
