package api

import (
	"fmt"
	"regexp"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testspec"
)

// maxTitleLen bounds run titles so list views stay readable.
const maxTitleLen = 150

var validSHA = regexp.MustCompile(`^[0-9a-fA-F]{6,64}$`)

// createRunRequest is the payload for POST /runs. Tests is a
// newline-separated block of test specification lines.
type createRunRequest struct {
	Branch    string `json:"branch"`
	SHA       string `json:"sha"`
	Title     string `json:"title"`
	Requester string `json:"requester"`
	Tests     string `json:"tests"`
}

// newRunPayload parses the requested test specifications and groups
// them into builds. Tests sharing a release flag and feature set share
// one build; a build whose tests all run without a compiled artifact is
// marked skippable. Runs from the configured nightly requester are
// scheduled at lower priority and feed per-test history.
func newRunPayload(
	req *createRunRequest, nightlyRequester string,
) (*store.NewRun, error) {
	if req.Branch == "" {
		return nil, fmt.Errorf("branch is required")
	}

	if !validSHA.MatchString(req.SHA) {
		return nil, fmt.Errorf("invalid sha %q", req.SHA)
	}

	specs, err := testspec.ParseLines(req.Tests)
	if err != nil {
		return nil, err
	}

	isNightly := nightlyRequester != "" && req.Requester == nightlyRequester

	// Claim ordering is priority ascending, so nightly work yields to
	// interactive requests.
	priority := 0
	if isNightly {
		priority = 1
	}

	var (
		order  []string
		builds = make(map[string]*store.NewBuild, 2)
		skips  = make(map[string]bool, 2)
	)

	tests := make([]store.NewTest, 0, len(specs))

	for i := range specs {
		spec := &specs[i]
		key := spec.BuildKey()

		if _, ok := builds[key]; !ok {
			order = append(order, key)
			builds[key] = &store.NewBuild{
				Key:       key,
				Features:  spec.Features,
				IsRelease: spec.IsRelease,
				Priority:  priority,
			}
			skips[key] = true
		}

		if !spec.SkipsBuild() {
			skips[key] = false
		}

		tests = append(tests, store.NewTest{
			BuildKey: key,
			Name:     spec.Name(),
			Category: spec.Category,
			Timeout:  spec.FullTimeout(),
			Priority: priority,
		})
	}

	payload := &store.NewRun{
		Branch:    req.Branch,
		SHA:       req.SHA,
		Title:     truncateTitle(req.Title),
		Requester: req.Requester,
		IsNightly: isNightly,
		Builds:    make([]store.NewBuild, 0, len(order)),
		Tests:     tests,
	}

	for _, key := range order {
		b := builds[key]
		b.SkipBuild = skips[key]
		payload.Builds = append(payload.Builds, *b)
	}

	return payload, nil
}

func truncateTitle(title string) string {
	if len(title) <= maxTitleLen {
		return title
	}

	return title[:maxTitleLen-3] + "..."
}
