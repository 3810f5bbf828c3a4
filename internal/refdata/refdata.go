// Package refdata supplies the reference-data snapshot jobs freeze at
// processing entry.
package refdata

import (
	"context"

	"github.com/datawerks/linehaul/internal/domain"
)

// Static serves a snapshot built once from configuration. Every Load returns
// the same frozen sets, which is exactly the consistency a job needs.
type Static struct {
	data domain.ReferenceData
}

func NewStatic(categories map[string][]string) *Static {
	return &Static{data: domain.NewReferenceData(categories)}
}

func (s *Static) Load(_ context.Context) (domain.ReferenceData, error) {
	return s.data, nil
}
