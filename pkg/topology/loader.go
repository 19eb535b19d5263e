package topology

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// labFile is the on-disk YAML shape of a lab definition. Link endpoints are
// written as "node:interface" strings and expanded on load.
type labFile struct {
	Name  string `yaml:"name"`
	Owner string `yaml:"owner"`
	Nodes []struct {
		Name   string `yaml:"name"`
		Index  *int   `yaml:"index"`
		Config string `yaml:"config"`
	} `yaml:"nodes"`
	Links []struct {
		Kind LinkKind `yaml:"kind"`
		A    string   `yaml:"a"`
		B    string   `yaml:"b"`
	} `yaml:"links"`
}

// LoadLab reads a lab definition from a YAML file. Node indices default to
// declaration order when omitted; link indices follow declaration order.
// The result is a candidate lab: run Validate before provisioning it.
func LoadLab(path string) (*Lab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}

	var lf labFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("topology: parse %s: %w", path, err)
	}

	lab := &Lab{Name: lf.Name, Owner: lf.Owner}
	if lab.Name == "" {
		lab.Name = stripExt(filepath.Base(path))
	}

	for i, n := range lf.Nodes {
		idx := i
		if n.Index != nil {
			idx = *n.Index
		}
		lab.Nodes = append(lab.Nodes, &Node{
			Name:   n.Name,
			Index:  idx,
			Config: n.Config,
		})
	}

	for i, lk := range lf.Links {
		a, err := ParseEndpoint(lk.A)
		if err != nil {
			return nil, fmt.Errorf("topology: link %d: %w", i, err)
		}
		b, err := ParseEndpoint(lk.B)
		if err != nil {
			return nil, fmt.Errorf("topology: link %d: %w", i, err)
		}
		kind := lk.Kind
		if kind == "" {
			kind = LinkBridge
		}
		lab.Links = append(lab.Links, &Link{Index: i, Kind: kind, A: a, B: b})
	}

	return lab, nil
}

func stripExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
