package parse

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/album-scraper/pkg/models"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// Fallback values for gallery items missing optional fields
const (
	UnknownName = "unknown name"
	UnknownSize = "unknown size"
	UnknownType = "unknown type"
)

// Fixed gallery page selectors
const (
	galleryGridSelector   = "#galleryGrid"
	itemClass             = "theItem"
	sizeSelector          = ".theSize"
	downloadSelector      = `a[aria-label="download"]`
	typeCandidateSelector = `[class*="type-"]`
	typeClassPrefix       = "type-"

	paginationSelector = ".pagination"
	lastEntrySelector  = "li:last-child, span:last-child"
	nextControlSel     = `a[rel="next"], .next, [aria-label="next"]`
	disabledClass      = "disabled"
)

// ParseDocument parses a fetched album page
func ParseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: HTML: %w", utils.ErrParsing, err)
	}
	return doc, nil
}

// ExtractFiles returns the file records of the gallery grid in document order.
// Children without the item class and items without a download link are skipped.
func ExtractFiles(doc *goquery.Document, albumLink string) []models.File {
	var files []models.File
	doc.Find(galleryGridSelector).Children().Each(func(_ int, item *goquery.Selection) {
		if file, ok := ExtractFile(item, albumLink); ok {
			files = append(files, file)
		}
	})
	return files
}

// ExtractFile reads a single gallery item. ok is false when the element is not a
// gallery item or carries no download link.
func ExtractFile(item *goquery.Selection, albumLink string) (file models.File, ok bool) {
	if !item.HasClass(itemClass) {
		return models.File{}, false
	}

	link, exists := item.Find(downloadSelector).First().Attr("href")
	link = strings.TrimSpace(link)
	if !exists || link == "" {
		return models.File{}, false
	}

	name, _ := item.Attr("title")
	if name = strings.TrimSpace(name); name == "" {
		name = UnknownName
	}

	size := strings.TrimSpace(item.Find(sizeSelector).Text())
	if size == "" {
		size = UnknownSize
	}

	return models.File{
		Name:      name,
		Type:      fileType(item),
		Size:      size,
		Link:      link,
		AlbumLink: albumLink,
	}, true
}

// fileType returns <kind> from the first descendant class token "type-<kind>"
func fileType(item *goquery.Selection) string {
	kind := UnknownType
	item.Find(typeCandidateSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		for _, token := range strings.Fields(class) {
			if strings.HasPrefix(token, typeClassPrefix) && len(token) > len(typeClassPrefix) {
				kind = strings.TrimPrefix(token, typeClassPrefix)
				return false
			}
		}
		return true
	})
	return kind
}

// HasNextPage reports whether the page links to a further page. A page without a
// pagination control is a single page. Otherwise there is a next page when the last
// pagination entry is not disabled, or when an explicit next control exists.
func HasNextPage(doc *goquery.Document) bool {
	pagination := doc.Find(paginationSelector)
	if pagination.Length() == 0 {
		return false
	}
	lastDisabled := pagination.Find(lastEntrySelector).HasClass(disabledClass)
	hasNextControl := pagination.Find(nextControlSel).Length() > 0
	return !lastDisabled || hasNextControl
}
