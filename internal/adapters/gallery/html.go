package gallery

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

// DefaultFilePattern reconnaît les URLs de fichiers média usuels.
var DefaultFilePattern = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp|avif|bmp|webm|mp4|m4v|mkv|mov|zip|pdf)(\?[^\s"'<>]*)?$`)

var (
	reAbsFile = regexp.MustCompile(`(?i)(https?:)?//[^\s"'<>\\]+\.(jpe?g|png|gif|webp|avif|webm|mp4)(\?[^\s"'<>\\]*)?`)
)

// HTMLParser extrait les liens de fichiers d'une page listant une galerie.
type HTMLParser struct {
	FilePattern *regexp.Regexp
	// ScanScripts cherche aussi des URLs échappées dans les <script>.
	ScanScripts bool
}

func NewHTMLParser() *HTMLParser {
	return &HTMLParser{FilePattern: DefaultFilePattern, ScanScripts: true}
}

func normalizeTextForURLScan(s string) string {
	s = strings.ReplaceAll(s, `\/`, "/")
	s = strings.ReplaceAll(s, `\u0026`, "&")
	s = strings.ReplaceAll(s, `\u002F`, "/")
	s = strings.ReplaceAll(s, `\u003A`, ":")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

func resolveRef(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil || strings.HasPrefix(ref, "#") || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return "", false
	}
	if strings.HasPrefix(ref, "//") {
		return base.Scheme + ":" + ref, true
	}
	uu, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(uu)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasRel(n *html.Node, rel string) bool {
	for _, f := range strings.Fields(strings.ToLower(attr(n, "rel"))) {
		if f == rel {
			return true
		}
	}
	return false
}

// collector garde l'ordre d'apparition et dédoublonne.
type collector struct {
	files []ports.DiscoveredFile
	next  []string
	seen  map[string]bool
}

func (c *collector) addFile(u string) {
	if c.seen[u] {
		return
	}
	c.seen[u] = true
	c.files = append(c.files, ports.DiscoveredFile{URL: u})
}

func (c *collector) addNext(u string) {
	for _, n := range c.next {
		if n == u {
			return
		}
	}
	c.next = append(c.next, u)
}

func (p *HTMLParser) Parse(pageURL, _ string, body []byte) (ports.GalleryPage, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ports.GalleryPage{}, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ports.GalleryPage{}, err
	}
	pattern := p.FilePattern
	if pattern == nil {
		pattern = DefaultFilePattern
	}
	c := &collector{seen: map[string]bool{}}

	isFile := func(abs string) bool {
		u, err := url.Parse(abs)
		if err != nil {
			return false
		}
		return pattern.MatchString(u.Path) || pattern.MatchString(abs)
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a", "link":
				if abs, ok := resolveRef(base, attr(n, "href")); ok {
					switch {
					case hasRel(n, "next"):
						c.addNext(abs)
					case n.Data == "a" && isFile(abs):
						c.addFile(abs)
					}
				}
			case "img", "video", "source":
				ref := attr(n, "src")
				if ref == "" {
					ref = attr(n, "data-src")
				}
				if abs, ok := resolveRef(base, ref); ok && isFile(abs) {
					c.addFile(abs)
				}
			case "script":
				if p.ScanScripts && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					text := normalizeTextForURLScan(n.FirstChild.Data)
					for _, m := range reAbsFile.FindAllString(text, -1) {
						if abs, ok := resolveRef(base, m); ok {
							c.addFile(abs)
						}
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return ports.GalleryPage{Files: c.files, NextURLs: c.next}, nil
}
