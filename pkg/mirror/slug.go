package mirror

import (
	"path"
	"strconv"
	"strings"
	"unicode"

	"github.com/notevault/notevault/pkg/models"
)

// Slug derives the route alias of a node id: every segment lowercased with whitespace
// runs collapsed to "-", and a file's last segment without its extension.
func Slug(id string) string {
	folder := models.IsFolderID(id)
	segments := strings.Split(strings.TrimSuffix(id, "/"), "/")
	for i, seg := range segments {
		if i == len(segments)-1 && !folder {
			if ext := path.Ext(seg); ext != "" && ext != seg {
				seg = strings.TrimSuffix(seg, ext)
			}
		}
		segments[i] = slugSegment(seg)
	}
	return strings.Join(segments, "/")
}

func slugSegment(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte('-')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// buildSlugs assigns a unique slug to every id. ids must be in manifest node order;
// a colliding slug gets "-2", "-3", ... in that order.
func buildSlugs(ids []string) (slugToID, idToSlug map[string]string) {
	slugToID = make(map[string]string, len(ids))
	idToSlug = make(map[string]string, len(ids))
	for _, id := range ids {
		base := Slug(id)
		s := base
		for n := 2; ; n++ {
			if _, taken := slugToID[s]; !taken {
				break
			}
			s = base + "-" + strconv.Itoa(n)
		}
		slugToID[s] = id
		idToSlug[id] = s
	}
	return slugToID, idToSlug
}
