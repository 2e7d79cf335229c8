package store

import (
	"encoding/json"
	"fmt"

	"twinchat/pkg/errdefs"
	"twinchat/pkg/logger"
	"twinchat/pkg/models"
)

func pairMetaKey(pairID string) []byte { return []byte("pair:" + pairID + ":meta") }

// CreatePair stores twin pair metadata. Exactly two distinct participants
// are required; this is the only shape the core delivers within.
func (s *Store) CreatePair(p models.TwinPair) (models.TwinPair, error) {
	if !s.Ready() {
		return p, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	if p.ID == "" {
		return p, fmt.Errorf("%w: pair id required", errdefs.ErrValidation)
	}
	a, b := p.Participants[0].ID, p.Participants[1].ID
	if a == "" || b == "" {
		return p, fmt.Errorf("%w: pair needs two participants", errdefs.ErrValidation)
	}
	if a == b {
		return p, fmt.Errorf("%w: participants must be distinct", errdefs.ErrValidation)
	}
	if p.CreatedTS == 0 {
		p.CreatedTS = s.now().UTC().UnixNano()
	}
	p.UpdatedTS = p.CreatedTS
	data, err := json.Marshal(p)
	if err != nil {
		return p, fmt.Errorf("failed to marshal pair: %w", err)
	}
	if err := s.set(pairMetaKey(p.ID), data); err != nil {
		logger.Error("save_pair_failed", "pair", p.ID, "error", err)
		return p, err
	}
	logger.Info("pair_saved", "pair", p.ID)
	return p, nil
}

// GetPair returns the stored pair metadata.
func (s *Store) GetPair(pairID string) (models.TwinPair, error) {
	var p models.TwinPair
	if !s.Ready() {
		return p, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	v, err := s.get(pairMetaKey(pairID))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(v, &p); err != nil {
		return p, fmt.Errorf("invalid stored pair %s: %w", pairID, err)
	}
	return p, nil
}

// TouchPair bumps the pair's UpdatedTS. Activity tracking only; failures
// are not fatal to the caller's operation.
func (s *Store) TouchPair(pairID string, ts int64) {
	p, err := s.GetPair(pairID)
	if err != nil {
		return
	}
	p.UpdatedTS = ts
	if data, err := json.Marshal(p); err == nil {
		_ = s.set(pairMetaKey(pairID), data)
	}
}

// PairsFor lists pairs a participant belongs to.
func (s *Store) PairsFor(participantID string) ([]models.TwinPair, error) {
	if !s.Ready() {
		return nil, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("pair:"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.TwinPair
	for ok := iter.First(); ok; ok = iter.Next() {
		k := string(iter.Key())
		if len(k) < 5 || k[len(k)-5:] != ":meta" {
			continue
		}
		var p models.TwinPair
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		if p.Member(participantID) {
			out = append(out, p)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	return out, nil
}
