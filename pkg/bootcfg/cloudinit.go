package bootcfg

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/virtlab-network/virtlab/pkg/topology"
)

// cloud-init seed volume layout: meta-data, user-data and network-config at
// the image root, volume label "cidata" (the nocloud datasource contract).

type ciMetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

type ciUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	PlainTextPasswd   string   `yaml:"plain_text_passwd,omitempty"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

type ciUserData struct {
	Hostname string   `yaml:"hostname"`
	Users    []ciUser `yaml:"users"`
}

type ciEthernet struct {
	Match struct {
		MACAddress string `yaml:"macaddress"`
	} `yaml:"match"`
	SetName string `yaml:"set-name"`
	MTU     int    `yaml:"mtu,omitempty"`
	DHCP4   bool   `yaml:"dhcp4"`
}

type ciNetworkConfig struct {
	Version   int                   `yaml:"version"`
	Ethernets map[string]ciEthernet `yaml:"ethernets"`
}

// cloudInitPayload synthesizes the nocloud seed volume content: hostname,
// the ZTP user with the owner's SSH keys, and per-interface hints matching
// allocated MACs to stable interface names.
func cloudInitPayload(cfg *topology.NodeConfig, id Identity) (*Payload, error) {
	meta, err := marshalYAML(ciMetaData{
		InstanceID:    id.LabID + "-" + id.NodeName,
		LocalHostname: id.NodeName,
	})
	if err != nil {
		return nil, fmt.Errorf("bootcfg: cloud-init meta-data for %s: %w", id.NodeName, err)
	}

	name := cfg.ZTPUsername
	if name == "" {
		name = "admin"
	}
	keys := append([]string(nil), id.SSHKeys...)
	sort.Strings(keys)

	user, err := marshalYAML(ciUserData{
		Hostname: id.NodeName,
		Users: []ciUser{{
			Name:              name,
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			LockPasswd:        cfg.ZTPPassword == "",
			PlainTextPasswd:   cfg.ZTPPassword,
			SSHAuthorizedKeys: keys,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("bootcfg: cloud-init user-data for %s: %w", id.NodeName, err)
	}
	user = append([]byte("#cloud-config\n"), user...)

	netcfg := ciNetworkConfig{Version: 2, Ethernets: make(map[string]ciEthernet)}
	mgmt := ciEthernet{SetName: cfg.ManagementInterface, DHCP4: true}
	mgmt.Match.MACAddress = id.MgmtMAC
	netcfg.Ethernets[cfg.ManagementInterface] = mgmt
	for _, nic := range id.NICs {
		eth := ciEthernet{SetName: nic.Name, MTU: nic.MTU}
		eth.Match.MACAddress = nic.MAC
		netcfg.Ethernets[nic.Name] = eth
	}
	network, err := marshalYAML(netcfg)
	if err != nil {
		return nil, fmt.Errorf("bootcfg: cloud-init network-config for %s: %w", id.NodeName, err)
	}

	return &Payload{
		Method: topology.ZTPCloudInit,
		Media:  MediaSeed,
		Label:  "cidata",
		Files: []File{
			{Path: "meta-data", Mode: 0644, Data: meta},
			{Path: "user-data", Mode: 0644, Data: user},
			{Path: "network-config", Mode: 0644, Data: network},
		},
	}, nil
}

// marshalYAML encodes with two-space indent. yaml.v3 emits struct fields in
// declaration order and map keys sorted, so output is deterministic.
func marshalYAML(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
