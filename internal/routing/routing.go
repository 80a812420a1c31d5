// Package routing infers the capability class for a work item when the
// submitter did not pick one.
package routing

import (
	"strings"

	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// Resolver picks a capability class for a work item.
type Resolver interface {
	Resolve(item *models.WorkItem) string
}

// StaticResolver always answers with one class.
type StaticResolver struct {
	Class string
}

func (r StaticResolver) Resolve(*models.WorkItem) string { return r.Class }

// KeywordResolver matches configured class keywords against the item title
// and description, falling back to a default class. The first class (in
// declaration order) with a matching keyword wins.
type KeywordResolver struct {
	Classes  []config.CapabilityClass
	Fallback string
}

func (r KeywordResolver) Resolve(item *models.WorkItem) string {
	text := strings.ToLower(item.Title + " " + item.Description)
	for _, cl := range r.Classes {
		for _, kw := range cl.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return cl.Name
			}
		}
	}
	return r.Fallback
}

// ForItem returns the item's own class when set, otherwise asks the resolver.
func ForItem(item *models.WorkItem, r Resolver) string {
	if item.CapabilityClass != "" {
		return item.CapabilityClass
	}
	return r.Resolve(item)
}
