package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

var prURLRegex = regexp.MustCompile(`https://github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)

// PullRequestRef identifies the pull request a review task targets
type PullRequestRef struct {
	Owner  string
	Repo   string
	Number int
	URL    string
}

// String returns the canonical owner/repo#number form
func (r PullRequestRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// ParsePullRequestURL parses a GitHub pull request URL into a PullRequestRef
func ParsePullRequestURL(url string) (PullRequestRef, error) {
	matches := prURLRegex.FindStringSubmatch(url)
	if matches == nil {
		return PullRequestRef{}, fmt.Errorf("not a pull request URL: %q", url)
	}
	number, _ := strconv.Atoi(matches[3]) // regex guarantees digits
	return PullRequestRef{
		Owner:  matches[1],
		Repo:   matches[2],
		Number: number,
		URL:    matches[0],
	}, nil
}

// ExtractPullRequestRef finds the first pull request URL in free-form message
// text. Returns false if the text contains none.
func ExtractPullRequestRef(text string) (PullRequestRef, bool) {
	url := prURLRegex.FindString(text)
	if url == "" {
		return PullRequestRef{}, false
	}
	ref, err := ParsePullRequestURL(url)
	if err != nil {
		return PullRequestRef{}, false
	}
	return ref, true
}
