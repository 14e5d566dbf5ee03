// Package htmlextract models the out-of-scope HTML parser collaborator
// (spec 1/6). The doublefetch handler depends only on
// PageStructureExtractor; GoqueryExtractor is the one concrete default
// adapter, grounded on the teacher's pervasive use of goquery throughout
// internal/services/crawler and internal/workers/crawler.
package htmlextract

import "github.com/whotracksme/webextension-packages-sub000/internal/types"

// PageStructureExtractor derives the page-structure fields the doublefetch
// handler compares pre- and post-fetch: title, canonical URL, og:* tags,
// robots meta, and language.
type PageStructureExtractor interface {
	Extract(html []byte, baseURL string) (types.PageStructure, error)
}
