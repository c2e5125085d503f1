package request

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// URLTemplate replaces identifier segments of the URL path with names
// derived from the preceding segment, singularized: numeric ids become
// "<prev>_id" and UUIDs become "<prev>_uuid".
func URLTemplate(raw string) string {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	segments := strings.Split(path, "/")
	prev := ""
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		switch {
		case isNumeric(seg):
			segments[i] = singular(prev) + "_id"
			if prev == "" {
				segments[i] = "id"
			}
		case isUUID(seg):
			segments[i] = singular(prev) + "_uuid"
			if prev == "" {
				segments[i] = "uuid"
			}
		}
		prev = seg
	}
	return strings.Join(segments, "/")
}

func isNumeric(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func singular(s string) string {
	return strings.TrimSuffix(s, "s")
}
