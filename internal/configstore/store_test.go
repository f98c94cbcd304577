package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/types"
)

func TestSiteEquipmentCaching(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode([]types.Equipment{
			{ID: "b1", SiteID: "site-a", Type: types.BoilerComfort},
		})
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	s := New(srv.URL, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		eq, err := s.SiteEquipment(ctx, "site-a")
		if err != nil {
			t.Fatalf("SiteEquipment failed: %v", err)
		}
		if len(eq) != 1 || eq[0].ID != "b1" {
			t.Fatalf("equipment = %+v, want [b1]", eq)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("store calls = %d, want 1 (cached)", calls.Load())
	}

	// Past the refresh interval, the store is consulted again.
	clk.Advance(6 * time.Minute)
	if _, err := s.SiteEquipment(ctx, "site-a"); err != nil {
		t.Fatalf("SiteEquipment after refresh failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("store calls = %d, want 2 after refresh", calls.Load())
	}
}

func TestSiteEquipmentServesStaleOnFetchError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]types.Equipment{{ID: "b1", SiteID: "site-a"}})
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	s := New(srv.URL, clk)
	ctx := context.Background()

	if _, err := s.SiteEquipment(ctx, "site-a"); err != nil {
		t.Fatalf("initial fetch failed: %v", err)
	}

	fail.Store(true)
	clk.Advance(10 * time.Minute)

	eq, err := s.SiteEquipment(ctx, "site-a")
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if len(eq) != 1 {
		t.Errorf("stale data lost: %+v", eq)
	}
}

func TestGroupNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, clock.NewFake(time.Now()))
	_, err := s.Group(context.Background(), "g-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGroupReturnsCopy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.EquipmentGroup{
			ID:      "g1",
			Members: []string{"b1", "b2"},
		})
	}))
	defer srv.Close()

	s := New(srv.URL, clock.NewFake(time.Now()))
	ctx := context.Background()

	g1, err := s.Group(ctx, "g1")
	if err != nil {
		t.Fatalf("Group failed: %v", err)
	}
	g1.Members[0] = "mutated"
	g1.CurrentLeadID = "mutated"

	g2, err := s.Group(ctx, "g1")
	if err != nil {
		t.Fatalf("second Group failed: %v", err)
	}
	if g2.Members[0] != "b1" || g2.CurrentLeadID == "mutated" {
		t.Error("cached group leaked mutable state")
	}
}

func TestInvalidate(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode([]types.Site{{ID: "site-a"}})
	}))
	defer srv.Close()

	s := New(srv.URL, clock.NewFake(time.Now()))
	ctx := context.Background()

	s.Sites(ctx)
	s.Sites(ctx)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	s.Invalidate()
	s.Sites(ctx)
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 after Invalidate", calls.Load())
	}
}
