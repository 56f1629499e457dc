package rbac

import (
	"context"
	"fmt"
	"sync"
)

// memStore is an in-memory Store that counts calls per method.
type memStore struct {
	mu          sync.Mutex
	globalRoles map[int64]GlobalRole
	siteRoles   map[[2]int64]SiteRole
	placeRoles  map[[2]int64]PlaceRole
	placeSites  map[int64]int64
	failWith    error
	calls       map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		globalRoles: map[int64]GlobalRole{},
		siteRoles:   map[[2]int64]SiteRole{},
		placeRoles:  map[[2]int64]PlaceRole{},
		placeSites:  map[int64]int64{},
		calls:       map[string]int{},
	}
}

func (s *memStore) user(id int64, role GlobalRole) *memStore {
	s.globalRoles[id] = role
	return s
}

func (s *memStore) siteMember(siteID, userID int64, role SiteRole) *memStore {
	s.siteRoles[[2]int64{siteID, userID}] = role
	return s
}

func (s *memStore) placeMember(placeID, userID int64, role PlaceRole) *memStore {
	s.placeRoles[[2]int64{placeID, userID}] = role
	return s
}

func (s *memStore) place(placeID, siteID int64) *memStore {
	s.placeSites[placeID] = siteID
	return s
}

func (s *memStore) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *memStore) hit(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	return s.failWith
}

func (s *memStore) GetGlobalRole(_ context.Context, userID int64) (GlobalRole, error) {
	if err := s.hit("global"); err != nil {
		return "", err
	}
	role, ok := s.globalRoles[userID]
	if !ok {
		return "", fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return role, nil
}

func (s *memStore) GetSiteMembership(_ context.Context, siteID, userID int64) (*SiteMembership, error) {
	if err := s.hit("site"); err != nil {
		return nil, err
	}
	role, ok := s.siteRoles[[2]int64{siteID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &SiteMembership{SiteID: siteID, UserID: userID, Role: role}, nil
}

func (s *memStore) GetPlaceMembership(_ context.Context, placeID, userID int64) (*PlaceMembership, error) {
	if err := s.hit("place"); err != nil {
		return nil, err
	}
	role, ok := s.placeRoles[[2]int64{placeID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &PlaceMembership{PlaceID: placeID, UserID: userID, Role: role}, nil
}

func (s *memStore) GetPlaceSiteID(_ context.Context, placeID int64) (int64, error) {
	if err := s.hit("placeSite"); err != nil {
		return 0, err
	}
	siteID, ok := s.placeSites[placeID]
	if !ok {
		return 0, ErrNotFound
	}
	return siteID, nil
}

func int64Ptr(v int64) *int64 { return &v }
