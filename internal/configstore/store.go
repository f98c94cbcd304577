// Package configstore reads site, equipment and group documents from the
// external configuration store. The core never writes configuration; it
// re-reads on a fixed refresh interval and keeps serving the last good copy
// when the store is unreachable.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/config"
	"github.com/veridian-controls/bmscore/internal/types"
)

// ErrNotFound is returned for unknown documents.
var ErrNotFound = errors.New("config store: document not found")

// Store is the cached read-only client.
type Store struct {
	baseURL    string
	httpClient *http.Client
	clk        clock.Clock
	refresh    time.Duration

	mu        sync.Mutex
	sites     cachedSites
	equipment map[string]cachedEquipment
	groups    map[string]cachedGroup
}

type cachedSites struct {
	data      []types.Site
	fetchedAt time.Time
}

type cachedEquipment struct {
	data      []types.Equipment
	fetchedAt time.Time
}

type cachedGroup struct {
	data      *types.EquipmentGroup
	fetchedAt time.Time
}

// New creates a Store against the document store at baseURL.
func New(baseURL string, clk clock.Clock) *Store {
	return &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: config.DefaultReadTimeout},
		clk:        clk,
		refresh:    config.DefaultConfigRefresh,
		equipment:  make(map[string]cachedEquipment),
		groups:     make(map[string]cachedGroup),
	}
}

// SetRefreshInterval overrides the 5 minute cache refresh.
func (s *Store) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		s.refresh = d
	}
}

// Sites lists every configured site.
func (s *Store) Sites(ctx context.Context) ([]types.Site, error) {
	s.mu.Lock()
	cached := s.sites
	s.mu.Unlock()

	if cached.data != nil && s.clk.Now().Sub(cached.fetchedAt) < s.refresh {
		return cached.data, nil
	}

	var sites []types.Site
	if err := s.get(ctx, "/sites", &sites); err != nil {
		if cached.data != nil {
			return cached.data, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.sites = cachedSites{data: sites, fetchedAt: s.clk.Now()}
	s.mu.Unlock()
	return sites, nil
}

// SiteEquipment lists the active equipment for a site. Served from cache
// within the refresh interval; a fetch failure falls back to the last good
// copy so a scheduler tick never blocks on the store.
func (s *Store) SiteEquipment(ctx context.Context, siteID string) ([]types.Equipment, error) {
	s.mu.Lock()
	cached, ok := s.equipment[siteID]
	s.mu.Unlock()

	if ok && s.clk.Now().Sub(cached.fetchedAt) < s.refresh {
		return cached.data, nil
	}

	var equipment []types.Equipment
	if err := s.get(ctx, "/sites/"+siteID+"/equipment", &equipment); err != nil {
		if ok {
			return cached.data, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.equipment[siteID] = cachedEquipment{data: equipment, fetchedAt: s.clk.Now()}
	s.mu.Unlock()
	return equipment, nil
}

// Group loads one equipment group document.
func (s *Store) Group(ctx context.Context, groupID string) (*types.EquipmentGroup, error) {
	s.mu.Lock()
	cached, ok := s.groups[groupID]
	s.mu.Unlock()

	if ok && s.clk.Now().Sub(cached.fetchedAt) < s.refresh {
		return cached.data.Copy(), nil
	}

	var group types.EquipmentGroup
	if err := s.get(ctx, "/groups/"+groupID, &group); err != nil {
		if ok {
			return cached.data.Copy(), nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.groups[groupID] = cachedGroup{data: &group, fetchedAt: s.clk.Now()}
	s.mu.Unlock()
	return group.Copy(), nil
}

// Invalidate drops every cached document, forcing fresh reads.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = cachedSites{}
	s.equipment = make(map[string]cachedEquipment)
	s.groups = make(map[string]cachedGroup)
}

func (s *Store) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("config store: build request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return types.NewTransientError("", fmt.Errorf("config store: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return types.NewTransientError("", fmt.Errorf("config store: %s", resp.Status))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewPermanentError("", "config store: decode "+path+": "+err.Error())
	}
	return nil
}
