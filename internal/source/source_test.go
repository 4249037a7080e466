package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "spacewatch/pkg/logx"
)

func newTestFetcher(attempts int) *Fetcher {
	f := NewFetcher(nil, "spacewatch/test", logx.Nop())
	f.Attempts = attempts
	f.RetryInitial = time.Millisecond
	f.RetryMax = 2 * time.Millisecond
	return f
}

func mustNew(t *testing.T, cfg Config, f *Fetcher) Adapter {
	t.Helper()
	a, err := New(cfg, f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func fetchNormalize(t *testing.T, a Adapter, now time.Time) []Item {
	t.Helper()
	raw, err := a.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	items, err := a.Normalize(raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return items
}

func TestFingerprintIgnoresKeyOrderAndScopesBySource(t *testing.T) {
	t.Parallel()
	a, _ := Fingerprint("alerts", map[string]any{"id": 1, "message": "x"})
	b, _ := Fingerprint("alerts", map[string]any{"message": "x", "id": 1})
	if a != b {
		t.Fatalf("fingerprint depends on key order: %s vs %s", a, b)
	}
	c, _ := Fingerprint("other", map[string]any{"id": 1, "message": "x"})
	if a == c {
		t.Fatal("fingerprint not scoped by source id")
	}
	d, _ := Fingerprint("alerts", map[string]any{"id": 2, "message": "x"})
	if a == d {
		t.Fatal("different fields produced the same fingerprint")
	}
	if !strings.HasPrefix(a, "sha256:") {
		t.Fatalf("fingerprint = %q, want sha256: prefix", a)
	}
}

func TestAlertFeedKeepsLastRecord(t *testing.T) {
	t.Parallel()
	var body atomic.Value
	body.Store(`[{"id":1,"message":"first"}]`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "spacewatch/test" {
			t.Errorf("User-Agent = %q", ua)
		}
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	a := mustNew(t, Config{ID: "alerts", Kind: KindAlerts, URL: srv.URL}, newTestFetcher(1))
	now := time.Now()

	first := fetchNormalize(t, a, now)
	if len(first) != 1 || first[0].Message != "first" {
		t.Fatalf("first cycle items = %+v", first)
	}

	body.Store(`[{"id":1,"message":"first"},{"id":2,"message":"second"}]`)
	second := fetchNormalize(t, a, now)
	if len(second) != 1 || second[0].Message != "second" {
		t.Fatalf("second cycle items = %+v", second)
	}
	if first[0].Fingerprint == second[0].Fingerprint {
		t.Fatal("distinct alerts share a fingerprint")
	}

	// Same content, later check: identical fingerprint.
	again := fetchNormalize(t, a, now.Add(time.Hour))
	if again[0].Fingerprint != second[0].Fingerprint {
		t.Fatal("fingerprint changed without content change")
	}
}

func TestAlertFeedEmptyArrayYieldsNothing(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	a := mustNew(t, Config{ID: "alerts", Kind: KindAlerts, URL: srv.URL}, newTestFetcher(1))
	if items := fetchNormalize(t, a, time.Now()); len(items) != 0 {
		t.Fatalf("items = %+v, want none", items)
	}
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		status   int
		body     string
		attempts int
		wantOp   string
		wantHits int32
	}{
		{name: "not found is not retried", status: 404, attempts: 3, wantOp: "status", wantHits: 1},
		{name: "server error is retried", status: 503, attempts: 3, wantOp: "status", wantHits: 3},
		{name: "bad json", status: 200, body: `{"not":"an array"}`, attempts: 3, wantOp: "parse", wantHits: 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			a := mustNew(t, Config{ID: "alerts", Kind: KindAlerts, URL: srv.URL}, newTestFetcher(tc.attempts))
			_, err := a.Fetch(context.Background())
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FetchError", err)
			}
			if fe.Op != tc.wantOp || fe.SourceID != "alerts" {
				t.Fatalf("FetchError = %+v", fe)
			}
			if got := hits.Load(); got != tc.wantHits {
				t.Fatalf("hits = %d, want %d", got, tc.wantHits)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := mustNew(t, Config{ID: "slow", Kind: KindDiscussion, URL: srv.URL, Timeout: 50 * time.Millisecond}, newTestFetcher(1))
	_, err := a.Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Op != "timeout" {
		t.Fatalf("err = %v, want timeout FetchError", err)
	}
}

func TestExtractText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "  Solar activity was low.\n", want: "Solar activity was low."},
		{name: "json string", in: `"Quiet conditions."`, want: "Quiet conditions."},
		{name: "json array of strings", in: `["a","b"]`, want: "a\n\nb"},
		{name: "json array of objects", in: `[{"message":"x"},{"text":"y"}]`, want: "x\n\ny"},
		{name: "empty", in: "   ", want: ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := extractText([]byte(tc.in)); got != tc.want {
				t.Fatalf("extractText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func forecastTable(rows ...[2]string) string {
	var b strings.Builder
	b.WriteString(`[["time_tag","kp","observed","noaa_scale"]`)
	for _, r := range rows {
		fmt.Fprintf(&b, `,[%q,%q,"predicted",null]`, r[0], r[1])
	}
	b.WriteString("]")
	return b.String()
}

func TestForecastDisplayFilterAndFullFingerprint(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	const layout = "2006-01-02 15:04:05"
	past := now.Add(-5 * time.Hour).Format(layout)
	edge := now.Add(-3 * time.Hour).Format(layout)
	future := now.Add(time.Hour).Format(layout)

	var body atomic.Value
	body.Store(forecastTable([2]string{past, "2.33"}, [2]string{edge, "4.00"}, [2]string{future, "5.67"}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	a := mustNew(t, Config{ID: "kp", Kind: KindForecast, URL: srv.URL, Offset: DefaultOffset}, newTestFetcher(1))
	items := fetchNormalize(t, a, now)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	it := items[0]
	if len(it.Display) != 2 {
		t.Fatalf("display rows = %+v, want edge and future rows", it.Display)
	}
	if it.Display[0].Value != 4 || it.Display[1].Value != 5.67 {
		t.Fatalf("display values = %+v", it.Display)
	}
	if it.Offset != DefaultOffset {
		t.Fatalf("offset = %v", it.Offset)
	}

	// A change in a row hidden from display still changes the fingerprint.
	body.Store(forecastTable([2]string{past, "3.00"}, [2]string{edge, "4.00"}, [2]string{future, "5.67"}))
	changed := fetchNormalize(t, a, now)[0]
	if changed.Fingerprint == it.Fingerprint {
		t.Fatal("fingerprint ignored a change outside the display window")
	}
	if len(changed.Display) != 2 {
		t.Fatalf("display rows after change = %d", len(changed.Display))
	}

	// Time passing without a content change keeps the fingerprint.
	later := fetchNormalize(t, a, now.Add(2*time.Hour))[0]
	if later.Fingerprint != changed.Fingerprint {
		t.Fatal("fingerprint depends on the check time")
	}
	if len(later.Display) != 1 {
		t.Fatalf("display rows later = %d, want 1", len(later.Display))
	}
}

func TestForecastZeroOffsetIsUTC(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	const layout = "2006-01-02 15:04:05"
	body := forecastTable(
		[2]string{now.Add(-2 * time.Hour).Format(layout), "3.00"},
		[2]string{now.Add(time.Hour).Format(layout), "6.00"},
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	a := mustNew(t, Config{ID: "kp", Kind: KindForecast, URL: srv.URL}, newTestFetcher(1))
	it := fetchNormalize(t, a, now)[0]
	if it.Offset != 0 {
		t.Fatalf("offset = %v, want 0", it.Offset)
	}
	if len(it.Display) != 1 || it.Display[0].Value != 6 {
		t.Fatalf("display = %+v, want only the future row", it.Display)
	}
}

func TestForecastRejectsBadRows(t *testing.T) {
	t.Parallel()
	cases := []string{
		forecastTable([2]string{"yesterday", "3"}),
		forecastTable([2]string{"2024-05-10 00:00:00", "high"}),
		`[["time_tag","kp"],["2024-05-10 00:00:00"]]`,
		`{"kp":3}`,
	}
	for i, body := range cases {
		if _, err := parseForecast([]byte(body)); err == nil {
			t.Fatalf("case %d: parseForecast(%s) succeeded", i, body)
		}
	}
}

func TestForecastAcceptsNumericKp(t *testing.T) {
	t.Parallel()
	rows, err := parseForecast([]byte(`[["time_tag","kp"],["2024-05-10 03:00:00",4.33]]`))
	if err != nil {
		t.Fatalf("parseForecast: %v", err)
	}
	if len(rows) != 1 || rows[0].Kp != 4.33 || rows[0].At.Hour() != 3 {
		t.Fatalf("rows = %+v", rows)
	}
}

func blockImage(seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 256, 256))
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			c := color.Gray{Y: uint8(rng.Intn(256))}
			for y := by * 32; y < (by+1)*32; y++ {
				for x := bx * 32; x < (bx+1)*32; x++ {
					img.SetGray(x, y, c)
				}
			}
		}
	}
	return img
}

func invert(src *image.Gray) *image.Gray {
	out := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		out.Pix[i] = 255 - v
	}
	return out
}

func TestSnapshotPerceptualMatching(t *testing.T) {
	t.Parallel()
	img := blockImage(42)
	var pngBuf, jpgBuf, invBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatal(err)
	}
	if err := jpeg.Encode(&jpgBuf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(&invBuf, invert(img)); err != nil {
		t.Fatal(err)
	}

	var served atomic.Value
	served.Store(pngBuf.Bytes())
	var lastQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery.Store(r.URL.Query().Get("cb"))
		_, _ = w.Write(served.Load().([]byte))
	}))
	defer srv.Close()

	fixed := time.UnixMilli(1715342400123)
	a := WithClock(mustNew(t, Config{
		ID: "sun", Kind: KindSnapshot, URL: srv.URL + "/latest.png", CacheBustParam: "cb", MaxDistance: -1,
	}, newTestFetcher(1)), func() time.Time { return fixed })

	orig := fetchNormalize(t, a, fixed)[0]
	if got := lastQuery.Load(); got != "1715342400123" {
		t.Fatalf("cache-bust param = %v", got)
	}
	if !bytes.Equal(orig.Blob, pngBuf.Bytes()) {
		t.Fatal("blob is not the fetched bytes")
	}

	served.Store(jpgBuf.Bytes())
	reenc := fetchNormalize(t, a, fixed)[0]

	served.Store(invBuf.Bytes())
	inverted := fetchNormalize(t, a, fixed)[0]

	m, ok := a.(Matcher)
	if !ok {
		t.Fatal("snapshot adapter does not implement Matcher")
	}
	if !m.Matches(orig.Fingerprint, reenc.Fingerprint) {
		t.Fatalf("re-encoded image not matched: %s vs %s", orig.Fingerprint, reenc.Fingerprint)
	}
	if m.Matches(orig.Fingerprint, inverted.Fingerprint) {
		t.Fatalf("inverted image matched: %s vs %s", orig.Fingerprint, inverted.Fingerprint)
	}
	if m.Matches(orig.Fingerprint, "garbage") {
		t.Fatal("unparsable fingerprint matched")
	}
}

func TestSnapshotUndecodableIsFetchError(t *testing.T) {
	t.Parallel()
	a := mustNew(t, Config{ID: "sun", Kind: KindSnapshot, URL: "http://example.invalid/x.png"}, newTestFetcher(1))
	_, err := a.Normalize([]RawItem{{Body: []byte("not an image")}}, time.Now())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Op != "decode" {
		t.Fatalf("err = %v, want decode FetchError", err)
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ID: "x", Kind: "rss", URL: "http://x"}, newTestFetcher(1)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
