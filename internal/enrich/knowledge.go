package enrich

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/winejournal/labelscan/internal/model"
)

//go:embed knowledge.yaml
var defaultKnowledge []byte

// ProducerHint is what the prompt tells the model about a well-known producer.
type ProducerHint struct {
	Name      string   `yaml:"name"`
	Aliases   []string `yaml:"aliases"`
	Country   string   `yaml:"country"`
	Region    string   `yaml:"region"`
	WineType  string   `yaml:"wine_type"`
	Varietals []string `yaml:"varietals"`
}

// Knowledge is the set of producer hints, indexed by folded name and alias.
type Knowledge struct {
	Producers []ProducerHint `yaml:"producers"`
	index     map[string]int
}

// ParseKnowledge decodes a knowledge YAML document.
func ParseKnowledge(data []byte) (*Knowledge, error) {
	var k Knowledge
	if err := yaml.Unmarshal(data, &k); err != nil {
		return nil, eris.Wrap(err, "enrich: parse knowledge")
	}
	k.index = make(map[string]int, len(k.Producers)*2)
	for i, p := range k.Producers {
		if model.CleanName(p.Name) == "" {
			return nil, eris.Errorf("enrich: knowledge entry %d has no name", i)
		}
		k.index[model.NameKey(p.Name)] = i
		for _, a := range p.Aliases {
			k.index[model.NameKey(a)] = i
		}
	}
	return &k, nil
}

// LoadKnowledge reads a knowledge file, or the built-in one when path is empty.
func LoadKnowledge(path string) (*Knowledge, error) {
	if path == "" {
		return ParseKnowledge(defaultKnowledge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: read knowledge %s", path)
	}
	return ParseKnowledge(data)
}

// Lookup finds the hint for a producer by case-insensitive name or alias.
func (k *Knowledge) Lookup(producer string) (ProducerHint, bool) {
	if k == nil {
		return ProducerHint{}, false
	}
	i, ok := k.index[model.NameKey(producer)]
	if !ok {
		return ProducerHint{}, false
	}
	return k.Producers[i], true
}

// Varietals lists every grape named across the producer hints, deduplicated
// case-insensitively in file order.
func (k *Knowledge) Varietals() []string {
	if k == nil {
		return []string{}
	}
	var all []string
	for _, p := range k.Producers {
		all = append(all, p.Varietals...)
	}
	return model.DedupeNames(all)
}
