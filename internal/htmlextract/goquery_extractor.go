package htmlextract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// GoqueryExtractor is the default PageStructureExtractor, backed by
// goquery's jQuery-style selectors over golang.org/x/net/html.
type GoqueryExtractor struct{}

// NewGoqueryExtractor builds the default extractor.
func NewGoqueryExtractor() *GoqueryExtractor {
	return &GoqueryExtractor{}
}

// Extract parses html and pulls out the doublefetch comparison fields.
func (e *GoqueryExtractor) Extract(html []byte, baseURL string) (types.PageStructure, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return types.PageStructure{}, err
	}

	structure := types.PageStructure{
		OpenGraph: make(map[string]string),
	}

	structure.Title = strings.TrimSpace(doc.Find("title").First().Text())

	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		structure.CanonicalURL = strings.TrimSpace(href)
	}

	structure.Language, _ = doc.Find("html").First().Attr("lang")

	doc.Find(`meta[property^="og:"]`).Each(func(_ int, sel *goquery.Selection) {
		property, _ := sel.Attr("property")
		content, _ := sel.Attr("content")
		if property != "" {
			structure.OpenGraph[property] = content
		}
	})

	if content, ok := doc.Find(`meta[name="robots"]`).First().Attr("content"); ok {
		structure.Robots = strings.ToLower(strings.TrimSpace(content))
		structure.NoIndex = strings.Contains(structure.Robots, "noindex")
	}

	return structure, nil
}
