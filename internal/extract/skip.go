package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

var defaultSkipPatterns = []string{
	`(?i)_(meta|directorymeta)\.json$`,
	`(?i)\.(cover|thumb|thumb(s|db|index|nail))$`,
	`(?i)^(thumb|thumb(s|db|index|nail))\.db$`,
	`(?i)\.(csv|html?|json|tsv|xml)$`,
}

// Skipper decides which filenames are not worth running through ExifTool:
// sidecars, thumbnail caches and plain text data formats.
type Skipper struct {
	patterns []*regexp.Regexp
}

// NewSkipper compiles the built-in patterns plus extra ones from config.
// Extra patterns match case-insensitively.
func NewSkipper(extra []string) (*Skipper, error) {
	s := &Skipper{}
	for _, p := range defaultSkipPatterns {
		s.patterns = append(s.patterns, regexp.MustCompile(p))
	}
	for _, p := range extra {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w: skip pattern %q: %v", model.ErrInvalidInput, p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

func (s *Skipper) ShouldSkip(filename string) bool {
	name := strings.TrimSpace(filename)
	if name == "" {
		return true
	}
	for _, re := range s.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

var builtinSkipper, _ = NewSkipper(nil)

// ShouldSkip applies the built-in patterns only.
func ShouldSkip(filename string) bool { return builtinSkipper.ShouldSkip(filename) }
