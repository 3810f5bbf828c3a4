// Package validate holds the per-line structural and referential checks.
// Rules are pure: one line in, nil or a tagged error out. All mutable inputs
// (the reference data snapshot) are frozen before a Rules value is shared.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/datawerks/linehaul/internal/domain"
)

const Separator = ";"

// Error types produced by the default rule set.
const (
	ErrTypeTooFewColumns = "too_few_columns"
	ErrTypeMissingField  = "missing_field"
)

// Config fixes the shape of the file being validated. There is no default
// minimum column count: upstream layouts disagree (12 vs 18 columns), so the
// caller must choose.
type Config struct {
	MinColumns    int
	CurrencyIndex int
	ProvinceIndex int
	ProductIndex  int
}

type fieldRule struct {
	index    int
	field    string
	category string
}

// Rules is an immutable rule set bound to one reference-data snapshot.
type Rules struct {
	cfg    Config
	fields []fieldRule
	ref    domain.ReferenceData
}

func NewRules(cfg Config, ref domain.ReferenceData) (*Rules, error) {
	if cfg.MinColumns <= 0 {
		return nil, errors.New("validate: MinColumns must be set by the caller")
	}
	if ref == nil {
		ref = domain.ReferenceData{}
	}

	return &Rules{
		cfg: cfg,
		fields: []fieldRule{
			{index: cfg.CurrencyIndex, field: "currency", category: domain.RefCurrency},
			{index: cfg.ProvinceIndex, field: "province", category: domain.RefProvince},
			{index: cfg.ProductIndex, field: "product", category: domain.RefProduct},
		},
		ref: ref,
	}, nil
}

// Check validates a single non-empty line. It returns nil when the line
// passes, otherwise a tagged error. The caller is responsible for skipping
// blank lines; Check treats its input as a real record.
func (r *Rules) Check(line string) *domain.LineError {
	cols := strings.Split(line, Separator)
	if len(cols) < r.cfg.MinColumns {
		return &domain.LineError{
			Type:    ErrTypeTooFewColumns,
			Message: fmt.Sprintf("expected at least %d columns, got %d", r.cfg.MinColumns, len(cols)),
		}
	}

	for _, f := range r.fields {
		if f.index < 0 || f.index >= len(cols) {
			return &domain.LineError{
				Type:    ErrTypeMissingField,
				Message: fmt.Sprintf("column %d (%s) not present", f.index, f.field),
				Field:   f.field,
			}
		}

		value := strings.TrimSpace(cols[f.index])
		if value == "" {
			return &domain.LineError{
				Type:    ErrTypeMissingField,
				Message: fmt.Sprintf("%s is empty", f.field),
				Field:   f.field,
			}
		}

		if !r.ref.Contains(f.category, value) {
			return &domain.LineError{
				Type:    "invalid_" + f.category,
				Message: fmt.Sprintf("%s %q is not a known %s", f.field, value, f.category),
				Field:   f.field,
				Value:   value,
			}
		}
	}

	return nil
}

// IsBlank reports whether a line is empty or whitespace-only. Blank lines are
// not validated and do not count toward processed lines.
func IsBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}
