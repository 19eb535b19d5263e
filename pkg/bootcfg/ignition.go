package bootcfg

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/virtlab-network/virtlab/pkg/topology"
)

const ignitionVersion = "3.4.0"

// Ignition document shape, enough for hostname, users and dropped-in files.

type ignDoc struct {
	Ignition ignHeader  `json:"ignition"`
	Passwd   ignPasswd  `json:"passwd"`
	Storage  ignStorage `json:"storage"`
}

type ignHeader struct {
	Version string `json:"version"`
}

type ignPasswd struct {
	Users []ignUser `json:"users"`
}

type ignUser struct {
	Name              string   `json:"name"`
	SSHAuthorizedKeys []string `json:"sshAuthorizedKeys,omitempty"`
}

type ignStorage struct {
	Files []ignFile `json:"files"`
}

type ignFile struct {
	Path     string      `json:"path"`
	Mode     int         `json:"mode"`
	Contents ignContents `json:"contents"`
}

type ignContents struct {
	Source string `json:"source"`
}

// ignitionPayload synthesizes an Ignition-format configuration document:
// the ZTP user with the owner's keys plus an /etc/hostname drop-in.
func ignitionPayload(cfg *topology.NodeConfig, id Identity) (*Payload, error) {
	name := cfg.ZTPUsername
	if name == "" {
		name = "core"
	}
	keys := append([]string(nil), id.SSHKeys...)
	sort.Strings(keys)

	doc := ignDoc{
		Ignition: ignHeader{Version: ignitionVersion},
		Passwd:   ignPasswd{Users: []ignUser{{Name: name, SSHAuthorizedKeys: keys}}},
		Storage: ignStorage{
			Files: []ignFile{{
				Path: "/etc/hostname",
				Mode: 0644,
				Contents: ignContents{
					Source: dataURL([]byte(id.NodeName + "\n")),
				},
			}},
		},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("bootcfg: ignition for %s: %w", id.NodeName, err)
	}

	return &Payload{
		Method: topology.ZTPIgnition,
		Media:  MediaSeed,
		Label:  "ignition",
		Files:  []File{{Path: "config.ign", Mode: 0644, Data: data}},
	}, nil
}

// dataURL encodes file bytes as a data: URL for inline Ignition contents.
func dataURL(data []byte) string {
	return "data:;base64," + base64.StdEncoding.EncodeToString(data)
}
