package parse

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// AlbumPath reduces a stored album link to the request path every mirror can serve.
// Absolute URLs on any mirror are stripped to path and query, fragments are removed,
// and a trailing slash is dropped (unless the path is root "/")
func AlbumPath(link string) (string, error) {
	trimmed := strings.TrimSpace(link)
	if trimmed == "" {
		return "", fmt.Errorf("%w: URL: empty album link", utils.ErrParsing)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: URL: album link '%s': %w", utils.ErrParsing, link, err)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	} else if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path, nil
}

// PagePath returns the path for page n of an album. Page 1 is the album path itself;
// later pages carry a page query parameter
func PagePath(albumPath string, page int) string {
	if page <= 1 {
		return albumPath
	}
	sep := "?"
	if strings.Contains(albumPath, "?") {
		sep = "&"
	}
	return albumPath + sep + "page=" + strconv.Itoa(page)
}
