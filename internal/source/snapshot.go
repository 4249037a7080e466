package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"strconv"
	"time"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"
)

// imageSnapshot fetches an image that upstream regenerates in place.
// Re-encoding changes the bytes but not the picture, so fingerprints are
// perception hashes compared by Hamming distance.
type imageSnapshot struct {
	base
	param       string
	maxDistance int
}

func (s *imageSnapshot) Kind() Kind { return KindSnapshot }

func (s *imageSnapshot) Fetch(ctx context.Context) ([]RawItem, error) {
	now := s.now()
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fetchErr(s.id, "get", err)
	}
	q := u.Query()
	q.Set(s.param, strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()

	body, err := s.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	return []RawItem{{Body: body, FetchedAt: now}}, nil
}

func (s *imageSnapshot) Normalize(raw []RawItem, now time.Time) ([]Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	body := raw[len(raw)-1].Body
	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fetchErr(s.id, "decode", err)
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, fetchErr(s.id, "decode", fmt.Errorf("phash: %w", err))
	}
	fp := hash.ToString()
	return []Item{{
		SourceID:    s.id,
		Kind:        KindSnapshot,
		Fields:      map[string]any{"phash": fp, "format": format},
		Fingerprint: fp,
		Blob:        body,
	}}, nil
}

// Matches reports whether two perception hashes are within maxDistance bits.
func (s *imageSnapshot) Matches(a, b string) bool {
	if a == b {
		return true
	}
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return false
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return false
	}
	d, err := ha.Distance(hb)
	return err == nil && d <= s.maxDistance
}
