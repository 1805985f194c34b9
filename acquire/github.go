package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/hashicorp/go-retryablehttp"
)

const githubAPIBase = "https://api.github.com"

type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// resolveGithubAsset looks up the latest release of a github project and
// returns the download URL of the first asset matching assetRegex.
func resolveGithubAsset(ctx context.Context, client *retryablehttp.Client,
	apiBase, project, assetRegex string) (string, error) {

	re, err := regexp.Compile(assetRegex)
	if err != nil {
		return "", fmt.Errorf("invalid asset regex %q for %s: %w", assetRegex, project, err)
	}

	url := fmt.Sprintf("%s/repos/%s/releases/latest", apiBase, project)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return "", &NetworkError{URL: url, Wrapped: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", &NetworkError{
			URL:       url,
			Status:    resp.StatusCode,
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("decode release for %s: %w", project, err)
	}

	for _, asset := range release.Assets {
		if re.MatchString(asset.Name) {
			return asset.BrowserDownloadURL, nil
		}
	}
	return "", fmt.Errorf("no release asset of %s (%s) matches %q",
		project, release.TagName, assetRegex)
}
