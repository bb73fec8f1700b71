package design

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"citystream.ai/internal/sim/world/cells"
)

// BiasedDesigner runs the rule designer with an additive bias on the zone
// weights. Without a bias it produces exactly the base output.
type BiasedDesigner struct {
	Base *RuleDesigner
	bias *Weights
}

func NewBiasedDesigner(base *RuleDesigner, bias *Weights) *BiasedDesigner {
	return &BiasedDesigner{Base: base, bias: bias}
}

func (b *BiasedDesigner) Bias() *Weights { return b.bias }

func (b *BiasedDesigner) DesignCell(ctx Context, reg Registry) []cells.Placement {
	if b.bias == nil {
		return b.Base.DesignCell(ctx, reg)
	}
	bias := *b.bias
	return b.Base.design(ctx, reg, func(w Weights) Weights {
		for i := range w {
			w[i] += bias[i]
			if w[i] < 0 {
				w[i] = 0
			}
		}
		return w.Normalized()
	})
}

type biasFile struct {
	Low      float32 `yaml:"low"`
	High     float32 `yaml:"high"`
	Landmark float32 `yaml:"landmark"`
}

// LoadBias reads a YAML bias file of the form {low, high, landmark}.
func LoadBias(path string) (*Weights, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f biasFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	w := Weights{cells.Lowrise: f.Low, cells.Highrise: f.High, cells.Landmark: f.Landmark}
	return &w, nil
}
