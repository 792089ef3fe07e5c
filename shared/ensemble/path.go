package ensemble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meidoworks/nekoq-coord/api"
)

// SequenceDigits is the width of the zero padded counter appended to sequential nodes.
const SequenceDigits = 10

// ValidatePath checks that path is absolute, has no empty segment and no trailing separator.
func ValidatePath(path string) error {
	if path == api.PathSeparator {
		return nil
	}
	if !strings.HasPrefix(path, api.PathSeparator) {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, path)
	}
	if strings.HasSuffix(path, api.PathSeparator) {
		return fmt.Errorf("%w: %q has a trailing separator", ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(path[1:], api.PathSeparator) {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q has an illegal segment", ErrInvalidPath, path)
		}
	}
	return nil
}

func Join(parent, name string) string {
	if parent == api.PathSeparator {
		return parent + name
	}
	return parent + api.PathSeparator + name
}

// Parent returns the parent of path. The parent of the root is the root itself.
func Parent(path string) string {
	idx := strings.LastIndex(path, api.PathSeparator)
	if idx <= 0 {
		return api.PathSeparator
	}
	return path[:idx]
}

func Name(path string) string {
	return path[strings.LastIndex(path, api.PathSeparator)+1:]
}

// Ancestors lists the proper ancestors of path from the top, excluding the root.
func Ancestors(path string) []string {
	var result []string
	for idx := 1; idx < len(path); idx++ {
		if path[idx] == '/' {
			result = append(result, path[:idx])
		}
	}
	return result
}

// Depth is the number of segments of path, the root having depth 0.
func Depth(path string) int {
	if path == api.PathSeparator {
		return 0
	}
	return strings.Count(path, api.PathSeparator)
}

func IsDescendant(path, ancestor string) bool {
	if ancestor == api.PathSeparator {
		return path != api.PathSeparator
	}
	return strings.HasPrefix(path, ancestor+api.PathSeparator)
}

func FormatSequence(prefix string, seq int32) string {
	return fmt.Sprintf("%s%0*d", prefix, SequenceDigits, seq)
}

// SequenceOf extracts the counter of a sequential node name.
func SequenceOf(name string) (int64, bool) {
	if len(name) < SequenceDigits {
		return 0, false
	}
	n, err := strconv.ParseInt(name[len(name)-SequenceDigits:], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
