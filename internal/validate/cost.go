package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// CostTable estimates monthly spend from resource types found in generated
// files. Unknown types cost nothing and are listed in the estimate notes.
type CostTable struct {
	prices map[string]float64
}

// NewCostTable creates a CostTable from config costs.
func NewCostTable(prices map[string]float64) *CostTable {
	return &CostTable{prices: prices}
}

// Estimate sums the price of every CloudFormation resource Type and
// Kubernetes kind in changes. Deleted files subtract the price of what
// they held only when their content is still known.
func (t *CostTable) Estimate(changes []contract.CodeChange) contract.CostEstimate {
	var est contract.CostEstimate
	unknown := map[string]bool{}

	for _, c := range changes {
		sign := 1.0
		if c.Deleted {
			sign = -1
		}
		for _, typ := range resourceTypes(c) {
			price, ok := t.prices[typ]
			if !ok {
				unknown[typ] = true
				continue
			}
			est.MonthlyDelta += sign * price
			est.AffectedResources = append(est.AffectedResources, fmt.Sprintf("%s (%s)", typ, c.Path))
		}
	}

	if len(unknown) > 0 {
		var names []string
		for n := range unknown {
			names = append(names, n)
		}
		sort.Strings(names)
		est.Notes = "no price for: " + strings.Join(names, ", ")
	}
	return est
}

func resourceTypes(c contract.CodeChange) []string {
	docs, err := decodeAll(c.Content)
	if err != nil {
		return nil
	}
	var types []string
	switch c.Kind {
	case contract.KindCloudFormation:
		for _, doc := range docs {
			res := lookup(doc, "Resources")
			if res == nil {
				continue
			}
			for i := 1; i < len(res.Content); i += 2 {
				if typ := scalar(lookup(res.Content[i], "Type")); typ != "" {
					types = append(types, typ)
				}
			}
		}
	case contract.KindKubernetes:
		for _, doc := range docs {
			if kind := scalar(lookup(doc, "kind")); kind != "" {
				types = append(types, kind)
			}
		}
	}
	return types
}
