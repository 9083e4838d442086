package store

import (
	"context"
	"testing"
)

func TestUpsertKnownVenue_KeepsFilledFieldsOnRefresh(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lat, lng := 14.5654, 121.0165
	id, err := s.UpsertKnownVenue(ctx, &KnownVenue{
		Name:           "Circuit Makati",
		NormalizedName: "circuit makati",
		Aliases:        []string{"Circuit Events Grounds"},
		Address:        "A.P. Reyes Ave, Makati",
		Lat:            &lat,
		Lng:            &lng,
		OwnerHandle:    "@circuitmakati",
	})
	if err != nil {
		t.Fatalf("UpsertKnownVenue: %v", err)
	}

	// A sparse refresh must not blank out coordinates, address, or handle.
	if _, err := s.UpsertKnownVenue(ctx, &KnownVenue{
		Name:           "Circuit Makati",
		NormalizedName: "circuit makati",
		Aliases:        []string{"Circuit Events Grounds"},
	}); err != nil {
		t.Fatalf("UpsertKnownVenue (refresh): %v", err)
	}

	v, err := s.GetKnownVenueByNormalizedName(ctx, "circuit makati")
	if err != nil {
		t.Fatalf("GetKnownVenueByNormalizedName: %v", err)
	}
	if v == nil || v.ID != id {
		t.Fatalf("lookup returned %+v, want id %d", v, id)
	}
	if v.Lat == nil || v.Lng == nil || v.Address == "" || v.OwnerHandle != "@circuitmakati" {
		t.Fatalf("refresh dropped fields: %+v", v)
	}

	if err := s.RecordVenueCorrection(ctx, id); err != nil {
		t.Fatalf("RecordVenueCorrection: %v", err)
	}
	v, err = s.GetKnownVenueByNormalizedName(ctx, "circuit makati")
	if err != nil {
		t.Fatalf("GetKnownVenueByNormalizedName: %v", err)
	}
	if v.CorrectionCount != 1 {
		t.Fatalf("CorrectionCount = %d, want 1", v.CorrectionCount)
	}

	all, err := s.ListKnownVenues(ctx)
	if err != nil {
		t.Fatalf("ListKnownVenues: %v", err)
	}
	if len(all) != 1 || len(all[0].Aliases) != 1 {
		t.Fatalf("ListKnownVenues = %+v", all)
	}
}
