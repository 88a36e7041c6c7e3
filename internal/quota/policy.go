package quota

import (
	"github.com/kinloop/quota-engine/internal/rules"
)

// FailClosed reports whether a store error on an endpoint of this category
// should deny the request. Categories that map directly to metered
// third-party cost deny; cheap operations stay available during an outage.
func FailClosed(category rules.Category) bool {
	switch category {
	case rules.CategoryAI, rules.CategoryExport:
		return true
	default:
		return false
	}
}
