// Package autoupdate checks GitHub releases for a newer whisperrec version.
package autoupdate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ReleaseChannel defines which releases to check for
type ReleaseChannel string

const (
	ChannelStable     ReleaseChannel = "stable"     // Only stable releases
	ChannelPrerelease ReleaseChannel = "prerelease" // Stable + pre-releases (beta, rc)
	ChannelDev        ReleaseChannel = "dev"        // All releases including dev builds
)

// ParseChannel maps a flag value to a channel. The empty string is stable.
func ParseChannel(s string) (ReleaseChannel, error) {
	switch ReleaseChannel(s) {
	case "", ChannelStable:
		return ChannelStable, nil
	case ChannelPrerelease, ChannelDev:
		return ReleaseChannel(s), nil
	}
	return "", fmt.Errorf("unknown release channel %q", s)
}

// Release represents a GitHub release
type Release struct {
	TagName    string    `json:"tag_name"`
	Name       string    `json:"name"`
	HTMLURL    string    `json:"html_url"`
	Published  time.Time `json:"published_at"`
	Prerelease bool      `json:"prerelease"`
	Draft      bool      `json:"draft"`
}

// UpdateChecker compares the running version with the latest release.
type UpdateChecker struct {
	currentVersion string
	apiURL         string
	channel        ReleaseChannel
	client         *http.Client
}

// NewUpdateChecker creates a checker for github.com/owner/repo.
func NewUpdateChecker(owner, repo, currentVersion string) *UpdateChecker {
	return &UpdateChecker{
		currentVersion: currentVersion,
		apiURL:         fmt.Sprintf("https://api.github.com/repos/%s/%s", owner, repo),
		channel:        ChannelStable,
		client:         &http.Client{Timeout: 15 * time.Second},
	}
}

// SetChannel sets the release channel for this checker
func (uc *UpdateChecker) SetChannel(channel ReleaseChannel) {
	uc.channel = channel
}

// SetAPIURL points the checker at another API root, such as a GitHub
// Enterprise mirror of the repository.
func (uc *UpdateChecker) SetAPIURL(url string) {
	uc.apiURL = strings.TrimRight(url, "/")
}

// GetLatestRelease fetches the latest release matching the channel. The
// stable channel uses the "latest" endpoint; the others filter the list.
func (uc *UpdateChecker) GetLatestRelease(ctx context.Context) (*Release, error) {
	if uc.channel == ChannelStable {
		var release Release
		if err := uc.get(ctx, "/releases/latest", &release); err != nil {
			return nil, err
		}
		return &release, nil
	}

	var releases []Release
	if err := uc.get(ctx, "/releases?per_page=30", &releases); err != nil {
		return nil, err
	}
	for i := range releases {
		if uc.matchesChannel(&releases[i]) {
			return &releases[i], nil
		}
	}
	return nil, fmt.Errorf("no releases found matching channel %s", uc.channel)
}

func (uc *UpdateChecker) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := uc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch release: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github API returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to parse release: %w", err)
	}
	return nil
}

func (uc *UpdateChecker) matchesChannel(release *Release) bool {
	if release.Draft {
		return false
	}
	switch uc.channel {
	case ChannelStable:
		return !release.Prerelease
	case ChannelPrerelease, ChannelDev:
		return true
	default:
		return false
	}
}

// IsUpdateAvailable reports whether the latest release is newer than the
// running version. Development builds never report an update.
func (uc *UpdateChecker) IsUpdateAvailable(ctx context.Context) (bool, *Release, error) {
	if isDevBuild(uc.currentVersion) {
		return false, nil, nil
	}

	release, err := uc.GetLatestRelease(ctx)
	if err != nil {
		return false, nil, err
	}
	if newerRelease(release.TagName, uc.currentVersion) {
		return true, release, nil
	}
	return false, nil, nil
}

// isDevBuild reports whether version is an unversioned local build.
func isDevBuild(version string) bool {
	v := normalizeVersion(strings.TrimPrefix(version, "v"))
	return v == "" || v == "dev"
}

// newerRelease compares a release tag with a build version. Both may carry a
// "v" prefix; the build may carry git-describe suffixes.
func newerRelease(tag, current string) bool {
	latest := normalizeVersion(strings.TrimPrefix(tag, "v"))
	return isNewer(latest, normalizeVersion(strings.TrimPrefix(current, "v")))
}

var describeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

// normalizeVersion strips the git-describe suffixes ("-2-g5ea24ba",
// "-dirty") that local builds carry. Pre-release tags are kept.
func normalizeVersion(v string) string {
	v = strings.TrimSuffix(v, "-dirty")
	return describeSuffix.ReplaceAllString(v, "")
}

// isNewer reports whether latest sorts after current. Numeric components
// are compared first, missing ones count as zero; on a tie a final release
// is newer than a pre-release of the same version.
func isNewer(latest, current string) bool {
	lcore, lpre, _ := strings.Cut(latest, "-")
	ccore, cpre, _ := strings.Cut(current, "-")

	lparts := strings.Split(lcore, ".")
	cparts := strings.Split(ccore, ".")
	for i := 0; i < len(lparts) || i < len(cparts); i++ {
		l, c := component(lparts, i), component(cparts, i)
		if l != c {
			return l > c
		}
	}
	return lpre == "" && cpre != ""
}

// component returns the leading integer of parts[i], or 0.
func component(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	s := parts[i]
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
