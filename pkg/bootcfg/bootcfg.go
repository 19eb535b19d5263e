// Package bootcfg produces zero-touch-provisioning payloads. Generation is
// a pure function of (profile, identity): the same inputs always reproduce
// the same bytes, so regenerating for a rebooted or re-run lab is safe.
package bootcfg

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/virtlab-network/virtlab/pkg/topology"
)

// Media describes how a payload reaches the node.
type Media string

const (
	MediaNone  Media = "none"  // nothing to attach or register
	MediaCdrom Media = "cdrom" // ISO9660 image attached as virtual CD-ROM
	MediaUsb   Media = "usb"   // FAT flat image attached as virtual USB disk
	MediaSeed  Media = "seed"  // cloud-init/ignition seed volume
	MediaBoot  Media = "boot"  // registered with the external boot service
)

// File is one entry in a payload's file tree.
type File struct {
	Path string
	Mode uint32
	Data []byte
}

// Payload is the generated ZTP material for one node. For boot-service
// methods (tftp/http/ipxe) Key is the registration key and Files holds the
// single served document; for media methods Files is the image content.
type Payload struct {
	Method topology.ZTPMethod
	Media  Media
	Key    string
	Label  string // volume label for cdrom/usb/seed images
	Files  []File
}

// Identity is the allocated identity of the node being provisioned.
type Identity struct {
	LabID    string
	NodeName string
	MgmtMAC  string
	MgmtAddr string   // management address hint, may be empty (learned later)
	SSHKeys  []string // owning user's authorized keys
	NICs     []NICHint
}

// NICHint names one data interface and its MAC for network config sections.
type NICHint struct {
	Name string
	MAC  string
	MTU  int
}

// ZTPRecord is the registration handed to the external boot service for
// tftp/http/ipxe methods.
type ZTPRecord struct {
	NodeName string
	Key      string
	MAC      string
	Addr     string
}

// Generate dispatches on the profile's ztp_method and returns the payload.
// Methods none and disk produce an empty MediaNone payload: the node either
// needs no initial config or carries it baked into the disk image.
func Generate(cfg *topology.NodeConfig, id Identity) (*Payload, error) {
	if !cfg.ZTPEnable {
		return &Payload{Method: topology.ZTPNone, Media: MediaNone}, nil
	}

	switch cfg.ZTPMethod {
	case topology.ZTPNone, topology.ZTPDisk, "":
		return &Payload{Method: cfg.ZTPMethod, Media: MediaNone}, nil

	case topology.ZTPCdrom:
		text, err := renderConfig(cfg, id)
		if err != nil {
			return nil, err
		}
		return &Payload{
			Method: cfg.ZTPMethod,
			Media:  MediaCdrom,
			Label:  "ztp",
			Files:  []File{{Path: "config.txt", Mode: 0644, Data: text}},
		}, nil

	case topology.ZTPUsb:
		text, err := renderConfig(cfg, id)
		if err != nil {
			return nil, err
		}
		return &Payload{
			Method: cfg.ZTPMethod,
			Media:  MediaUsb,
			Label:  "ztp",
			Files:  []File{{Path: "config.txt", Mode: 0644, Data: text}},
		}, nil

	case topology.ZTPTftp, topology.ZTPHttp, topology.ZTPIpxe:
		text, err := renderConfig(cfg, id)
		if err != nil {
			return nil, err
		}
		return &Payload{
			Method: cfg.ZTPMethod,
			Media:  MediaBoot,
			Key:    registrationKey(id),
			Files:  []File{{Path: registrationKey(id), Mode: 0644, Data: text}},
		}, nil

	case topology.ZTPCloudInit:
		return cloudInitPayload(cfg, id)

	case topology.ZTPIgnition:
		return ignitionPayload(cfg, id)

	default:
		return nil, fmt.Errorf("bootcfg: unknown ztp method %q", cfg.ZTPMethod)
	}
}

// Record returns the boot-service registration for a generated payload, or
// nil when the method is not boot-service based.
func Record(p *Payload, id Identity) *ZTPRecord {
	if p.Media != MediaBoot {
		return nil
	}
	return &ZTPRecord{
		NodeName: id.NodeName,
		Key:      p.Key,
		MAC:      id.MgmtMAC,
		Addr:     id.MgmtAddr,
	}
}

// registrationKey keys the served config by management MAC, falling back to
// the node identity when no MAC was allocated.
func registrationKey(id Identity) string {
	if id.MgmtMAC != "" {
		return id.MgmtMAC
	}
	return id.LabID + "-" + id.NodeName
}

var configTmpl = template.Must(template.New("ztp").Parse(
	`hostname {{.Host}}
!
username {{.User}} privilege 15
{{- range .Keys}}
ssh-key {{.}}
{{- end}}
!
interface {{.Mgmt}}
 no shutdown
!
end
`))

// renderConfig renders the plain-text device configuration used by the
// cdrom, usb, tftp, http and ipxe methods. Keys are emitted sorted so the
// output is byte-stable regardless of input order.
func renderConfig(cfg *topology.NodeConfig, id Identity) ([]byte, error) {
	user := cfg.ZTPUsername
	if user == "" {
		user = "admin"
	}
	keys := append([]string(nil), id.SSHKeys...)
	sort.Strings(keys)

	var buf bytes.Buffer
	err := configTmpl.Execute(&buf, struct {
		Host, User, Mgmt string
		Keys             []string
	}{
		Host: id.NodeName,
		User: user,
		Mgmt: cfg.ManagementInterface,
		Keys: keys,
	})
	if err != nil {
		return nil, fmt.Errorf("bootcfg: render config for %s: %w", id.NodeName, err)
	}
	return buf.Bytes(), nil
}
