// Package cost prices legacy completion requests by model family.
package cost

import (
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Model is a legacy completion model family.
type Model string

const (
	Davinci Model = "davinci"
	Curie   Model = "curie"
	Babbage Model = "babbage"
	Ada     Model = "ada"
)

// pricePer1K is the USD price per thousand tokens. Iteration order is the
// order in which ModelFor matches families against a model name.
var pricePer1K = func() *orderedmap.OrderedMap[Model, float64] {
	m := orderedmap.New[Model, float64]()
	m.Set(Davinci, 0.02)
	m.Set(Curie, 0.002)
	m.Set(Babbage, 0.0005)
	m.Set(Ada, 0.0004)
	return m
}()

// ModelFor maps a model name such as "text-davinci-003" to its family.
// Unrecognized names are priced as Ada.
func ModelFor(name string) Model {
	name = strings.ToLower(name)
	for pair := pricePer1K.Oldest(); pair != nil; pair = pair.Next() {
		if strings.Contains(name, string(pair.Key)) {
			return pair.Key
		}
	}
	return Ada
}

// PricePer1K returns the per-thousand-token price for a family.
func PricePer1K(model Model) float64 {
	if p, ok := pricePer1K.Get(model); ok {
		return p
	}
	p, _ := pricePer1K.Get(Ada)
	return p
}

// CompletionCost returns the USD cost of totalTokens on model.
func CompletionCost(totalTokens int64, model Model) float64 {
	if totalTokens <= 0 {
		return 0
	}
	return float64(totalTokens) / 1000 * PricePer1K(model)
}
