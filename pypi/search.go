package pypi

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// parseSearchResults extracts package snippets from a search page. When the
// page has no recognizable snippets it falls back to project links.
func parseSearchResults(body []byte) []SearchResult {
	doc, err := html.Parse(bytes.NewReader(body))
	if err == nil {
		if results := walkSnippets(doc); len(results) > 0 {
			return results
		}
	}
	return scanProjectLinks(body)
}

func walkSnippets(root *html.Node) []SearchResult {
	var results []SearchResult
	seen := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "package-snippet") {
			r := SearchResult{
				Name:    textOf(findByClass(n, "span", "package-snippet__name")),
				Version: textOf(findByClass(n, "span", "package-snippet__version")),
				Summary: textOf(findByClass(n, "p", "package-snippet__description")),
			}
			if r.Name == "" {
				r.Name = projectFromHref(attr(n, "href"))
			}
			if r.Name != "" && !seen[r.Name] {
				seen[r.Name] = true
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

func findByClass(n *html.Node, tag, class string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag && hasClass(n, class) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, tag, class); found != nil {
			return found
		}
	}
	return nil
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

var projectLinkRe = regexp.MustCompile(`href="/project/([A-Za-z0-9._-]+)/?"`)

func projectFromHref(href string) string {
	m := projectLinkRe.FindStringSubmatch(`href="` + href + `"`)
	if m == nil {
		return ""
	}
	return m[1]
}

func scanProjectLinks(body []byte) []SearchResult {
	var results []SearchResult
	seen := make(map[string]bool)
	for _, m := range projectLinkRe.FindAllSubmatch(body, -1) {
		name := string(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		results = append(results, SearchResult{Name: name})
	}
	return results
}
