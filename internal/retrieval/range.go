package retrieval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// ByteRange is an inclusive span of an object.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value for a partial response.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange interprets a Range header against an object of size bytes.
// ok is false when the whole object should be served: no header, or more
// than one range requested. Unsatisfiable or malformed single ranges return
// model.ErrRangeNotSatisfiable.
func ParseRange(header string, size int64) (ByteRange, bool, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return ByteRange{}, false, nil
	}
	unit, set, found := strings.Cut(header, "=")
	if !found || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return ByteRange{}, false, unsatisfiable(header)
	}
	if strings.Contains(set, ",") {
		return ByteRange{}, false, nil
	}
	first, last, found := strings.Cut(strings.TrimSpace(set), "-")
	if !found {
		return ByteRange{}, false, unsatisfiable(header)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// Suffix form: the last n bytes.
		n, err := parseOffset(last)
		if err != nil || n == 0 || size == 0 {
			return ByteRange{}, false, unsatisfiable(header)
		}
		return ByteRange{Start: max(size-n, 0), End: size - 1}, true, nil
	}

	start, err := parseOffset(first)
	if err != nil || start >= size {
		return ByteRange{}, false, unsatisfiable(header)
	}
	end := size - 1
	if last != "" {
		e, err := parseOffset(last)
		if err != nil || e < start {
			return ByteRange{}, false, unsatisfiable(header)
		}
		end = min(e, size-1)
	}
	return ByteRange{Start: start, End: end}, true, nil
}

func parseOffset(s string) (int64, error) {
	if s == "" || strings.ContainsAny(s, "+-") {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return strconv.ParseInt(s, 10, 64)
}

func unsatisfiable(header string) error {
	return fmt.Errorf("%w: %q", model.ErrRangeNotSatisfiable, header)
}
