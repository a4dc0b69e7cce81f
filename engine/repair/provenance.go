package repair

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/localbiz/directory/engine/domain"
)

// The only knowledge of provider photo URL shapes lives here.
var (
	// .../place/photo?maxwidth=800&photoreference=REF&key=...
	legacyRef = regexp.MustCompile(`[?&]photo_?reference=([^&#]+)`)
	// .../v1/places/PLACE_ID/photos/PHOTO_ID/media
	mediaPath = regexp.MustCompile(`/places/([^/?#]+)/photos/([^/?#]+)(?:/media)?`)
)

// ExtractProvenance recovers the source ids encoded in a provider photo
// URL. ok is false when raw matches no known shape.
//
// For legacy URLs SourcePhotoRef is the bare photo reference. For media
// URLs it is the resource name "places/ID/photos/REF" and SourceID is the
// place id.
func ExtractProvenance(raw string) (prov domain.Provenance, ok bool) {
	if m := legacyRef.FindStringSubmatch(raw); m != nil {
		ref, err := url.QueryUnescape(m[1])
		if err != nil {
			ref = m[1]
		}
		if ref != "" {
			return domain.Provenance{SourcePhotoRef: ref}, true
		}
	}
	if m := mediaPath.FindStringSubmatch(raw); m != nil {
		return domain.Provenance{
			SourceID:       m[1],
			SourcePhotoRef: "places/" + m[1] + "/photos/" + m[2],
		}, true
	}
	return domain.Provenance{}, false
}

// isLegacyRef reports whether ref is a bare reference that the photo
// persister can resolve on its own.
func isLegacyRef(ref string) bool {
	return ref != "" && !strings.Contains(ref, "/")
}
