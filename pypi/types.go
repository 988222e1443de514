package pypi

import (
	"errors"
	"sort"
)

// ErrNotFound is returned when the index has no project (or release) with the
// requested name.
var ErrNotFound = errors.New("package not found")

// PackageInfo is the metadata of one project release.
type PackageInfo struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Versions       []string `json:"versions,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	Author         string   `json:"author,omitempty"`
	License        string   `json:"license,omitempty"`
	HomepageURL    string   `json:"homepage_url,omitempty"`
	RequiresPython string   `json:"requires_python,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
}

// SearchResult is one entry from the index search page.
type SearchResult struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// projectDocument mirrors the fields we read from the JSON API.
type projectDocument struct {
	Info struct {
		Name           string            `json:"name"`
		Version        string            `json:"version"`
		Summary        string            `json:"summary"`
		Author         string            `json:"author"`
		License        string            `json:"license"`
		HomePage       string            `json:"home_page"`
		ProjectURLs    map[string]string `json:"project_urls"`
		RequiresPython string            `json:"requires_python"`
		RequiresDist   []string          `json:"requires_dist"`
	} `json:"info"`
	Releases map[string]any `json:"releases"`
}

func (d *projectDocument) toInfo() *PackageInfo {
	info := &PackageInfo{
		Name:           d.Info.Name,
		Version:        d.Info.Version,
		Summary:        d.Info.Summary,
		Author:         d.Info.Author,
		License:        d.Info.License,
		RequiresPython: d.Info.RequiresPython,
		Dependencies:   append([]string(nil), d.Info.RequiresDist...),
	}

	info.HomepageURL = d.Info.ProjectURLs["Homepage"]
	if info.HomepageURL == "" {
		info.HomepageURL = d.Info.HomePage
	}

	if len(d.Releases) > 0 {
		versions := make([]string, 0, len(d.Releases))
		for v := range d.Releases {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		info.Versions = versions
	}
	return info
}
