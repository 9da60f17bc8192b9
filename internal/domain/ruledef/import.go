package ruledef

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// File is the YAML import format. A stream may hold several documents.
//
//	rules:
//	  - token: CD4 COUNT
//	    source: obs
//	    key: CD4
//	    ttl: 300
//	    tags: [hiv]
//	  - token: LOW CD4
//	    criteria: LAST 'CD4 COUNT' < 200
type File struct {
	Rules []*Definition `yaml:"rules"`
}

// DecodeFile reads every document in r and returns the normalized, validated
// definitions in file order. A token defined twice is an error.
func DecodeFile(r io.Reader) ([]*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs []*Definition
	seen := make(map[string]int)
	for doc := 1; ; doc++ {
		var f File
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		for i, d := range f.Rules {
			if d == nil {
				return nil, fmt.Errorf("document %d rule %d: empty entry", doc, i+1)
			}
			d.Normalize()
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("document %d rule %d: %w", doc, i+1, err)
			}
			if prev, ok := seen[d.Token]; ok {
				return nil, fmt.Errorf("document %d rule %d: token %q already defined by rule %d", doc, i+1, d.Token, prev)
			}
			seen[d.Token] = i + 1
			defs = append(defs, d)
		}
	}
	return defs, nil
}

// EncodeFile writes defs in the import format.
func EncodeFile(w io.Writer, defs []*Definition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(File{Rules: defs}); err != nil {
		return err
	}
	return enc.Close()
}
