package gallery

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

// FeedParser lit un flux RSS, Atom ou JSON Feed: une entrée par fichier,
// l'enclosure si présente sinon le lien de l'item.
type FeedParser struct{}

func NewFeedParser() *FeedParser { return &FeedParser{} }

func (p *FeedParser) Parse(pageURL, _ string, body []byte) (ports.GalleryPage, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ports.GalleryPage{}, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return ports.GalleryPage{}, err
	}
	c := &collector{seen: map[string]bool{}}
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		when := itemTime(item)
		refs := make([]string, 0, len(item.Enclosures)+1)
		for _, enc := range item.Enclosures {
			if enc != nil {
				refs = append(refs, enc.URL)
			}
		}
		if len(refs) == 0 {
			refs = append(refs, item.Link)
		}
		for _, ref := range refs {
			abs, ok := resolveRef(base, ref)
			if !ok || c.seen[abs] {
				continue
			}
			c.seen[abs] = true
			c.files = append(c.files, ports.DiscoveredFile{URL: abs, SourceTime: when})
		}
	}
	return ports.GalleryPage{Files: c.files}, nil
}

func itemTime(item *gofeed.Item) time.Time {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC()
	}
	return time.Time{}
}

// AutoParser choisit le parseur selon le Content-Type, puis selon le contenu.
type AutoParser struct {
	HTML *HTMLParser
	Feed *FeedParser
}

func NewAutoParser() *AutoParser {
	return &AutoParser{HTML: NewHTMLParser(), Feed: NewFeedParser()}
}

func (p *AutoParser) Parse(pageURL, contentType string, body []byte) (ports.GalleryPage, error) {
	if looksLikeFeed(contentType, body) {
		return p.Feed.Parse(pageURL, contentType, body)
	}
	return p.HTML.Parse(pageURL, contentType, body)
}

func looksLikeFeed(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return false
	case strings.Contains(ct, "rss"), strings.Contains(ct, "atom"), strings.Contains(ct, "xml"), strings.Contains(ct, "feed+json"):
		return true
	}
	head := bytes.TrimSpace(body)
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	return bytes.HasPrefix(lower, []byte("<?xml")) ||
		bytes.HasPrefix(lower, []byte("<rss")) ||
		bytes.HasPrefix(lower, []byte("<feed")) ||
		(bytes.HasPrefix(lower, []byte("{")) && bytes.Contains(lower, []byte("jsonfeed")))
}
