package storage

import (
	"sort"
	"strings"
)

// Paginate applies S3 listing semantics to a flat set of objects: filter by prefix,
// roll up keys at the delimiter, order by key and resume after token. Backends without
// native listings (local, memory) use it so that every backend pages the same way.
// The token is the last key or common prefix returned.
func Paginate(objects []ObjectInfo, prefix, delimiter, token string, maxKeys int) *ListPage {
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	matched := make([]ObjectInfo, 0, len(objects))
	for _, o := range objects {
		if strings.HasPrefix(o.Key, prefix) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	page := &ListPage{}
	emitted := 0
	last := ""
	for _, o := range matched {
		entry := o.Key
		isPrefix := false
		if delimiter != "" {
			rest := strings.TrimPrefix(o.Key, prefix)
			if i := strings.Index(rest, delimiter); i >= 0 {
				entry = prefix + rest[:i+len(delimiter)]
				isPrefix = true
			}
		}
		if token != "" && entry <= token {
			continue
		}
		if isPrefix && entry == last {
			continue
		}
		if emitted == maxKeys {
			page.NextToken = last
			return page
		}
		if isPrefix {
			page.CommonPrefixes = append(page.CommonPrefixes, entry)
		} else {
			page.Objects = append(page.Objects, o)
		}
		last = entry
		emitted++
	}
	return page
}
