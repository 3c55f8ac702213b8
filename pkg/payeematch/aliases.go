package payeematch

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed aliases.yaml
var aliasesYAML []byte

type aliasFile struct {
	Aliases map[string][]string `yaml:"aliases"`
}

// aliasIndex maps normalized variants (and canonical names themselves) to the
// canonical merchant name. Built once at package load from the embedded
// dictionary; a broken dictionary is a build defect, hence the panic.
var aliasIndex = func() map[string]string {
	var f aliasFile
	if err := yaml.Unmarshal(aliasesYAML, &f); err != nil {
		panic(fmt.Sprintf("payeematch: parse embedded alias dictionary: %v", err))
	}

	idx := make(map[string]string, len(f.Aliases)*4)
	for canonical, variants := range f.Aliases {
		c := Normalize(canonical)
		idx[c] = c
		for _, v := range variants {
			idx[Normalize(v)] = c
		}
	}
	return idx
}()

// CanonicalName resolves a payee name to its canonical merchant name.
//
// The normalized name is looked up first, then its individual tokens. When
// nothing matches the dictionary, the normalized name itself is returned.
func CanonicalName(name string) string {
	canonical, _ := canonicalLookup(name)
	return canonical
}

// canonicalLookup reports whether the dictionary actually matched, which
// FindMatches needs to decide whether the alias bonus applies.
func canonicalLookup(name string) (string, bool) {
	n := Normalize(name)
	if c, ok := aliasIndex[n]; ok {
		return c, true
	}
	for _, tok := range tokens(n) {
		if c, ok := aliasIndex[tok]; ok {
			return c, true
		}
	}
	return n, false
}
