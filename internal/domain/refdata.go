package domain

// Reference data categories consulted by the line validator.
const (
	RefCurrency = "currency"
	RefProvince = "province"
	RefProduct  = "product"
)

// ReferenceData maps a category name to the set of permitted values.
// It is snapshotted once when a job enters processing and shared read-only
// across all fragment workers; mid-job changes to the source tables are
// invisible to a running job.
type ReferenceData map[string]map[string]struct{}

// NewReferenceData freezes category value lists into membership sets.
func NewReferenceData(categories map[string][]string) ReferenceData {
	ref := make(ReferenceData, len(categories))
	for name, values := range categories {
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[v] = struct{}{}
		}
		ref[name] = set
	}
	return ref
}

// Contains reports membership of value in the named category. An absent or
// empty category accepts everything, matching the loader contract: only
// non-empty sets constrain a field.
func (r ReferenceData) Contains(category, value string) bool {
	set := r[category]
	if len(set) == 0 {
		return true
	}
	_, ok := set[value]
	return ok
}
