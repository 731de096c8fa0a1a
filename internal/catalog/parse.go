package catalog

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"romfetch/internal/config"
	"romfetch/internal/store"
)

// ErrSourceParseFailed marks a listing whose structure could not be read.
var ErrSourceParseFailed = errors.New("source_parse_failed")

// Names that listings use for navigation rather than files.
var navNames = map[string]struct{}{
	"Parent directory/": {},
	"Parent Directory":  {},
	"./":                {},
	"../":               {},
	"Unknown":           {},
}

// Parse reads one HTML listing and returns its games. Relative links are
// resolved against base. Duplicate names collapse into one record.
func Parse(rule string, base *url.URL, platform string, r io.Reader) ([]store.Game, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceParseFailed, err)
	}

	var raw []store.Game
	switch rule {
	case config.RuleTable, "":
		raw, err = parseTable(doc, base, platform)
	case config.RuleAnchors:
		raw, err = parseAnchors(doc, base, platform)
	default:
		return nil, fmt.Errorf("%w: unknown rule %q", ErrSourceParseFailed, rule)
	}
	if err != nil {
		return nil, err
	}
	return dedupe(raw), nil
}

// parseTable handles listings that put each file in a table row with a
// "link" cell followed by a size cell.
func parseTable(doc *html.Node, base *url.URL, platform string) ([]store.Game, error) {
	if findFirst(doc, atom.Table) == nil {
		return nil, fmt.Errorf("%w: no table in listing", ErrSourceParseFailed)
	}
	var games []store.Game
	for _, row := range findAll(doc, atom.Tr) {
		cells := children(row, atom.Td)
		var link *html.Node
		for _, td := range cells {
			if hasClass(td, "link") {
				link = findFirst(td, atom.A)
				break
			}
		}
		if link == nil {
			continue
		}
		size := ""
		if len(cells) > 1 {
			size = textOf(cells[1])
		}
		if g, ok := makeGame(base, platform, textOf(link), attr(link, "href"), size); ok {
			games = append(games, g)
		}
	}
	return games, nil
}

// parseAnchors handles plain index pages where every file is a bare link.
func parseAnchors(doc *html.Node, base *url.URL, platform string) ([]store.Game, error) {
	anchors := findAll(doc, atom.A)
	if len(anchors) == 0 {
		return nil, fmt.Errorf("%w: no links in listing", ErrSourceParseFailed)
	}
	var games []store.Game
	for _, a := range anchors {
		href := attr(a, "href")
		// Sort links, fragments and directories.
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") || strings.HasSuffix(href, "/") {
			continue
		}
		name := textOf(a)
		if name == "" {
			name = path.Base(href)
			if s, err := url.PathUnescape(name); err == nil {
				name = s
			}
		}
		if g, ok := makeGame(base, platform, name, href, ""); ok {
			games = append(games, g)
		}
	}
	return games, nil
}

func makeGame(base *url.URL, platform, name, href, size string) (store.Game, bool) {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasSuffix(name, "/") {
		return store.Game{}, false
	}
	if _, nav := navNames[name]; nav {
		return store.Game{}, false
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || href == "" {
		return store.Game{}, false
	}
	link := base.ResolveReference(ref)
	if link.Scheme != "http" && link.Scheme != "https" {
		return store.Game{}, false
	}

	name = trimArchiveExt(name)
	if name == "" {
		return store.Game{}, false
	}
	return store.Game{
		ID:           store.GameID(platform, name),
		Name:         name,
		Platform:     platform,
		Size:         strings.TrimSpace(size),
		DownloadLink: link.String(),
	}, true
}

func trimArchiveExt(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".zip", ".7z"} {
		if strings.HasSuffix(lower, ext) {
			return strings.TrimSpace(name[:len(name)-len(ext)])
		}
	}
	return name
}

// dedupe keeps the first record for each ID.
func dedupe(games []store.Game) []store.Game {
	seen := make(map[string]struct{}, len(games))
	out := games[:0]
	for _, g := range games {
		if _, dup := seen[g.ID]; dup {
			continue
		}
		seen[g.ID] = struct{}{}
		out = append(out, g)
	}
	return out
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func children(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			out = append(out, c)
		}
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
