package venue

import (
	"context"
	"errors"
	"testing"

	"github.com/kalendaryo/kalendaryo/internal/store"
)

func fptr(f float64) *float64 { return &f }

type stubGeocoder struct {
	res   *GeocodeResult
	err   error
	calls int
}

func (g *stubGeocoder) Geocode(_ context.Context, _, _ string) (*GeocodeResult, error) {
	g.calls++
	return g.res, g.err
}

func knownFixture() []*store.KnownVenue {
	return []*store.KnownVenue{
		{
			ID: 1, Name: "Circuit Makati", NormalizedName: "circuit makati",
			Address: "A.P. Reyes Ave, Makati", Lat: fptr(14.5728), Lng: fptr(121.0108),
			Aliases: []string{"Circuit Events Grounds"},
		},
		{
			ID: 2, Name: "Pineapple Lab", NormalizedName: "pineapple lab",
			Address: "6053 R. Palma, Makati", Lat: fptr(14.5622), Lng: fptr(121.0290),
		},
		{
			ID: 3, Name: "Saguijo", NormalizedName: "saguijo",
			Address: "7612 Guijo St, Makati",
		},
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"The Victor", "the victor"},
		{"  Saguijo Café  ", "saguijo café"},
		{"B-Side / The Collective", "b side the collective"},
		{"Dulo MNL.", "dulo mnl"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("circuit makati", "circuit makati"); got != 1 {
		t.Errorf("identical names = %v, want 1", got)
	}
	if got := Similarity("circut makati", "circuit makati"); got < 0.9 {
		t.Errorf("single-typo similarity = %v, want >= 0.9", got)
	}
	if got := Similarity("", "circuit makati"); got != 0 {
		t.Errorf("empty similarity = %v, want 0", got)
	}
	if got := Similarity("dulo", "xyzzy"); got > 0.3 {
		t.Errorf("unrelated similarity = %v, want low", got)
	}
}

func TestResolve_ExactMatch(t *testing.T) {
	r := NewResolver(Config{}, knownFixture(), nil, nil, nil)
	m, err := r.Resolve(context.Background(), "Circuit Makati", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m == nil || m.MatchType != "exact" || m.Confidence != 1.0 {
		t.Fatalf("match = %+v, want exact at confidence 1.0", m)
	}
	if !m.IsKnownVenue || m.VenueID != 1 || m.Lat == nil {
		t.Fatalf("known venue identity not carried: %+v", m)
	}
}

func TestResolve_AliasMatch(t *testing.T) {
	r := NewResolver(Config{}, knownFixture(), nil, nil, nil)
	m, err := r.Resolve(context.Background(), "Circuit Events Grounds", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m == nil || m.MatchType != "alias" || m.CanonicalName != "Circuit Makati" {
		t.Fatalf("match = %+v, want alias to canonical name", m)
	}
	if m.Confidence >= 1.0 {
		t.Fatalf("alias confidence %v must sit below exact", m.Confidence)
	}
}

func TestResolve_WordOverlap(t *testing.T) {
	r := NewResolver(Config{}, knownFixture(), nil, nil, nil)
	m, err := r.Resolve(context.Background(), "Pineapple Lab Extension", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m == nil || m.MatchType != "word" || m.VenueID != 2 {
		t.Fatalf("match = %+v, want word overlap on venue 2", m)
	}
}

func TestResolve_FuzzyTypoScoresBelowExact(t *testing.T) {
	r := NewResolver(Config{}, knownFixture(), nil, nil, nil)
	m, err := r.Resolve(context.Background(), "Circut Makati", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m == nil || m.MatchType != "fuzzy" || m.CanonicalName != "Circuit Makati" {
		t.Fatalf("match = %+v, want fuzzy hit on Circuit Makati", m)
	}
	if m.Confidence >= 1.0 {
		t.Fatalf("fuzzy confidence %v must be strictly below exact", m.Confidence)
	}

	exact, _ := r.Resolve(context.Background(), "Circuit Makati", "")
	if m.Confidence >= exact.Confidence {
		t.Fatalf("fuzzy (%v) must score below exact (%v)", m.Confidence, exact.Confidence)
	}
}

func TestResolve_CacheFallback(t *testing.T) {
	cache := NewRegionalCache([]CacheEntry{
		{Name: "Dulo MNL", Address: "Poblacion, Makati", Lat: 14.5654, Lng: 121.0304},
	})
	r := NewResolver(Config{}, knownFixture(), cache, nil, nil)

	m, err := r.Resolve(context.Background(), "Dulo MNL", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m == nil || m.MatchType != "cache" || m.Source != "regional_cache" {
		t.Fatalf("match = %+v, want regional cache hit", m)
	}
	if m.IsKnownVenue {
		t.Fatal("cache hits are not known venues")
	}
}

func TestResolve_GeocoderLastAndGated(t *testing.T) {
	geo := &stubGeocoder{res: &GeocodeResult{
		IsValid: true, Lat: 14.55, Lng: 121.02,
		FormattedAddress: "123 Chino Roces Ave, Makati", Confidence: 0.8,
	}}
	r := NewResolver(Config{}, knownFixture(), nil, geo, nil)

	// Implausible address: geocoder is never consulted.
	m, err := r.Resolve(context.Background(), "Unlisted Spot", "tba")
	if err != nil || m != nil {
		t.Fatalf("expected no match without plausible address, got %+v, %v", m, err)
	}
	if geo.calls != 0 {
		t.Fatalf("geocoder consulted despite implausible address")
	}

	m, err = r.Resolve(context.Background(), "Unlisted Spot", "123 Chino Roces Ave, Makati")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m == nil || m.MatchType != "geocoded" || m.Source != "geocoder" {
		t.Fatalf("match = %+v, want geocoded", m)
	}
}

func TestResolve_GeocoderFailureIsNonFatal(t *testing.T) {
	geo := &stubGeocoder{err: errors.New("upstream 500")}
	r := NewResolver(Config{}, knownFixture(), nil, geo, nil)

	m, err := r.Resolve(context.Background(), "Unlisted Spot", "123 Chino Roces Ave, Makati")
	if err != nil {
		t.Fatalf("geocoder failure must not fail resolution: %v", err)
	}
	if m != nil {
		t.Fatalf("expected no match, got %+v", m)
	}
}

func TestResolve_StageLogRecordsChain(t *testing.T) {
	var stages []string
	log := func(stage string, hit bool, _ string) {
		stages = append(stages, stage)
	}
	r := NewResolver(Config{}, knownFixture(), nil, nil, log)

	if _, err := r.Resolve(context.Background(), "Circut Makati", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"known_exact", "known_alias", "known_word", "known_fuzzy"}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stages = %v, want %v", stages, want)
		}
	}
}

func TestIsPlausibleAddress(t *testing.T) {
	if IsPlausibleAddress("tba") || IsPlausibleAddress("") {
		t.Fatal("short strings are not plausible addresses")
	}
	if !IsPlausibleAddress("7612 Guijo St, Makati") {
		t.Fatal("street address should be plausible")
	}
}
