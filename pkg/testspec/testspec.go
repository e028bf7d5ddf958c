// Package testspec parses test specification lines of the form
//
//	<category> [--timeout=<n>[hms]] [--release] [--remote] <args>...
//	           [--features <f1,f2>]
//
// into normalised test specs that the scheduler groups into builds.
package testspec

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultTimeout is the per-test timeout in seconds when the spec
	// line carries no --timeout flag.
	DefaultTimeout = 180

	// RemoteExtraTimeout is added to the effective timeout of remote
	// tests to cover machine provisioning.
	RemoteExtraTimeout = 15 * 60

	// MaxTestsPerRun caps how many tests a single request may schedule,
	// count multipliers included.
	MaxTestsPerRun = 1024
)

// Categories understood by the workers.
const (
	CategoryPytest    = "pytest"
	CategoryMocknet   = "mocknet"
	CategoryExpensive = "expensive"
)

var (
	validFeature  = regexp.MustCompile(`^[a-zA-Z0-9_][-a-zA-Z0-9_]*$`)
	validExeName  = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)
	validPyScript = regexp.MustCompile(`^[-_a-zA-Z0-9/]+\.py$`)
	countPrefix   = regexp.MustCompile(`^\s*(\d+)\s+(.+)$`)
)

// Spec is one parsed test specification.
type Spec struct {
	Category  string
	Timeout   int // seconds, excluding the remote provision
	IsRelease bool
	IsRemote  bool
	Args      []string
	Features  string // normalised comma-separated list
}

// Parse parses a single test specification line.
func Parse(line string) (*Spec, error) {
	words := strings.Fields(line)

	spec, err := parseWords(words)
	if err != nil {
		return nil, fmt.Errorf("%w in test %q", err, line)
	}

	return spec, nil
}

// ParseWithCount parses a test specification line with an optional
// integer count prefix, e.g. "3 pytest sanity/restart.py". The count
// defaults to 1.
func ParseWithCount(line string) (int, *Spec, error) {
	count := 1

	if m := countPrefix.FindStringSubmatch(line); m != nil {
		count, _ = strconv.Atoi(m[1])
		line = m[2]
	}

	spec, err := Parse(line)
	if err != nil {
		return 0, nil, err
	}

	return count, spec, nil
}

// ParseLines parses a newline-separated block of test specifications.
// Blank lines and lines starting with '#' are skipped; count prefixes
// multiply their spec. At most MaxTestsPerRun specs may result.
func ParseLines(block string) ([]Spec, error) {
	specs := make([]Spec, 0, 16)

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		count, spec, err := ParseWithCount(line)
		if err != nil {
			return nil, err
		}

		if len(specs)+count > MaxTestsPerRun {
			return nil, fmt.Errorf(
				"too many tests; only %d tests allowed per run",
				MaxTestsPerRun,
			)
		}

		for range count {
			specs = append(specs, *spec)
		}
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no tests specified")
	}

	return specs, nil
}

func parseWords(words []string) (*Spec, error) {
	spec := &Spec{Timeout: DefaultTimeout}

	if err := extractCategory(spec, &words); err != nil {
		return nil, err
	}

	if err := extractFeatures(spec, &words); err != nil {
		return nil, err
	}

	if err := checkArgs(spec.Category, words); err != nil {
		return nil, err
	}

	spec.Args = words

	return spec, nil
}

// extractCategory consumes the category word and its flags from the
// front of words.
func extractCategory(spec *Spec, words *[]string) error {
	if len(*words) == 0 {
		return fmt.Errorf("empty specification")
	}

	spec.Category = (*words)[0]

	switch spec.Category {
	case CategoryPytest, CategoryMocknet, CategoryExpensive:
	default:
		return fmt.Errorf("invalid category %q", spec.Category)
	}

	rest := (*words)[1:]

	for i, word := range rest {
		switch {
		case word == "--release":
			spec.IsRelease = true
		case word == "--remote":
			spec.IsRemote = true
		case strings.HasPrefix(word, "--timeout="):
			timeout, err := parseTimeout(word[len("--timeout="):])
			if err != nil {
				return err
			}

			spec.Timeout = timeout
		case strings.HasPrefix(word, "--"):
			return fmt.Errorf("invalid argument %q", word)
		default:
			*words = rest[i:]

			return nil
		}
	}

	return fmt.Errorf("missing test argument")
}

// extractFeatures consumes trailing --features flags from words and
// normalises them: duplicates removed, always-on features dropped,
// result sorted.
func extractFeatures(spec *Spec, words *[]string) error {
	start := -1
	wantFeatures := false
	features := make(map[string]struct{}, 4)

	for i, word := range *words {
		switch {
		case wantFeatures:
			for _, f := range strings.Split(word, ",") {
				features[f] = struct{}{}
			}

			wantFeatures = false
		case strings.HasPrefix(word, "--features="):
			if start < 0 {
				start = i
			}

			for _, f := range strings.Split(word[len("--features="):], ",") {
				features[f] = struct{}{}
			}
		case word == "--features":
			if start < 0 {
				start = i
			}

			wantFeatures = true
		}
	}

	if start < 0 {
		return nil
	}

	if wantFeatures {
		return fmt.Errorf("missing features after --features argument")
	}

	// adversarial and test_features are always enabled; dropping them
	// here avoids scheduling an unnecessary extra build.
	delete(features, "adversarial")
	delete(features, "test_features")

	sorted := make([]string, 0, len(features))

	for f := range features {
		if !validFeature.MatchString(f) {
			return fmt.Errorf("invalid feature %q", f)
		}

		sorted = append(sorted, f)
	}

	sort.Strings(sorted)

	spec.Features = strings.Join(sorted, ",")
	*words = (*words)[:start]

	return nil
}

// checkArgs verifies the positional arguments for a category. Expensive
// tests take exactly <package> <test-executable> <test-name>; pytest
// and mocknet tests start with a python script path.
func checkArgs(category string, args []string) error {
	if category == CategoryExpensive {
		if len(args) != 3 {
			return fmt.Errorf(
				"expensive test category requires three arguments: " +
					"<package> <test-executable> <test-name>",
			)
		}

		if !validExeName.MatchString(args[1]) {
			return fmt.Errorf("invalid test name %q", args[1])
		}

		return nil
	}

	if len(args) == 0 || !validPyScript.MatchString(args[0]) {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}

		return fmt.Errorf("invalid test name %q", name)
	}

	return nil
}

var timeSuffixes = map[byte]int{'h': 3600, 'm': 60, 's': 1}

// parseTimeout parses an integer with an optional h, m or s suffix
// into seconds.
func parseTimeout(value string) (int, error) {
	if value == "" {
		return 0, fmt.Errorf("invalid timeout argument %q", value)
	}

	mul := 1
	if m, ok := timeSuffixes[value[len(value)-1]]; ok {
		mul = m
		value = value[:len(value)-1]
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout argument %q", value)
	}

	return n * mul, nil
}

// formatTimeout renders seconds with the largest exact suffix.
func formatTimeout(timeout int) string {
	switch {
	case timeout%3600 == 0:
		return fmt.Sprintf("%dh", timeout/3600)
	case timeout%60 == 0:
		return fmt.Sprintf("%dm", timeout/60)
	default:
		return strconv.Itoa(timeout)
	}
}

// Name returns the normalised name of the test. The timeout is included
// only when it differs from the default.
func (s *Spec) Name() string {
	parts := make([]string, 0, len(s.Args)+4)
	parts = append(parts, s.Category)

	if s.Timeout != DefaultTimeout {
		parts = append(parts, "--timeout="+formatTimeout(s.Timeout))
	}

	if s.IsRelease {
		parts = append(parts, "--release")
	}

	if s.IsRemote {
		parts = append(parts, "--remote")
	}

	parts = append(parts, s.Args...)

	if s.Features != "" {
		parts = append(parts, "--features "+s.Features)
	}

	return strings.Join(parts, " ")
}

// FullTimeout returns the effective timeout in seconds, including the
// provision for remote tests.
func (s *Spec) FullTimeout() int {
	if s.IsRemote {
		return s.Timeout + RemoteExtraTimeout
	}

	return s.Timeout
}

// BuildDir returns the artifact directory the test binaries live in.
func (s *Spec) BuildDir() string {
	if s.IsRelease {
		return "release"
	}

	return "debug"
}

// SkipsBuild reports whether a test needs no compiled artifact. Mocknet
// tests run against remotely provisioned machines and never consume a
// local build.
func (s *Spec) SkipsBuild() bool {
	return s.Category == CategoryMocknet
}

// BuildKey groups tests that can share one build: same release flag and
// same normalised feature set.
func (s *Spec) BuildKey() string {
	dir := s.BuildDir()
	if s.Features == "" {
		return dir
	}

	return dir + "+" + s.Features
}
