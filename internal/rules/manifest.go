package rules

import (
	_ "embed"
	"fmt"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// BrowserCategory is the manifest category whose apps count as web browsers.
const BrowserCategory = "browser"

// AppIDManifest is read-mostly reference data mapping app slugs to bundle ids.
type AppIDManifest struct {
	Apps         map[string][]string `json:"apps"`
	DisplayNames map[string]string   `json:"displayNames"`
	Categories   map[string][]string `json:"categories"`
}

// AppDescriptor is the resolved identity of a requesting application.
type AppDescriptor struct {
	BundleID    string
	Slug        string
	DisplayName string
	Categories  []string
	IsBrowser   bool
}

// Describe resolves bundleID against the manifest and the browser list.
// Unknown bundle ids produce a descriptor carrying only the bundle id.
func Describe(bundleID string, m AppIDManifest) AppDescriptor {
	app := AppDescriptor{BundleID: bundleID}
	if bundleID == "" {
		return app
	}

	slugs := make([]string, 0, len(m.Apps))
	for slug := range m.Apps {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		if slices.Contains(m.Apps[slug], bundleID) {
			app.Slug = slug
			break
		}
	}

	if app.Slug != "" {
		app.DisplayName = m.DisplayNames[app.Slug]
		for category, members := range m.Categories {
			if slices.Contains(members, app.Slug) {
				app.Categories = append(app.Categories, category)
			}
		}
		sort.Strings(app.Categories)
	}

	app.IsBrowser = IsBrowserBundleID(bundleID) || slices.Contains(app.Categories, BrowserCategory)
	return app
}

// Name returns the most readable identifier available for the app.
func (a AppDescriptor) Name() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.Slug != "":
		return a.Slug
	case a.BundleID != "":
		return a.BundleID
	default:
		return "unknown"
	}
}

//go:embed browsers.yaml
var browsersYAML []byte

var browserIDs = mustLoadBrowsers(browsersYAML)

type browserList struct {
	Browsers []string `yaml:"browsers"`
}

func loadBrowsers(data []byte) (map[string]struct{}, error) {
	var list browserList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse browser list: %w", err)
	}
	set := make(map[string]struct{}, len(list.Browsers))
	for _, id := range list.Browsers {
		set[id] = struct{}{}
	}
	return set, nil
}

func mustLoadBrowsers(data []byte) map[string]struct{} {
	set, err := loadBrowsers(data)
	if err != nil {
		panic(err)
	}
	return set
}

// IsBrowserBundleID reports whether id is a known web browser.
func IsBrowserBundleID(id string) bool {
	_, ok := browserIDs[id]
	return ok
}
