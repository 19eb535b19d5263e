package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/virtlab-network/virtlab/pkg/bootcfg"
)

// writeBootMedia materializes a payload's file tree as an attachable image
// under dir and returns the image path. cdrom and seed payloads become
// ISO9660 images via genisoimage; usb payloads become FAT images via
// mkfs.vfat and mcopy. Boot-service payloads produce no media here.
func writeBootMedia(ctx context.Context, dir string, p *bootcfg.Payload) (string, error) {
	if p.Media == bootcfg.MediaNone || p.Media == bootcfg.MediaBoot {
		return "", nil
	}

	tree := filepath.Join(dir, "ztp")
	if err := os.MkdirAll(tree, 0755); err != nil {
		return "", err
	}
	for _, f := range p.Files {
		path := filepath.Join(tree, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, f.Data, os.FileMode(f.Mode)); err != nil {
			return "", err
		}
	}

	switch p.Media {
	case bootcfg.MediaUsb:
		img := filepath.Join(dir, "ztp.img")
		if err := makeFatImage(ctx, tree, img, p.Label); err != nil {
			return "", err
		}
		return img, nil
	default:
		img := filepath.Join(dir, "ztp.iso")
		if err := makeISO(ctx, tree, img, p.Label); err != nil {
			return "", err
		}
		return img, nil
	}
}

// makeISO wraps genisoimage; it must be installed on the host.
func makeISO(ctx context.Context, tree, out, label string) error {
	cmd := exec.CommandContext(ctx, "genisoimage",
		"-output", out,
		"-volid", label,
		"-joliet", "-rock",
		"--input-charset", "utf-8",
		tree,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("genisoimage %s: %w\n%s", out, err, output)
	}
	return nil
}

// makeFatImage creates a small FAT filesystem image holding the tree's
// files flat at the image root. Wraps mkfs.vfat and mcopy (mtools).
func makeFatImage(ctx context.Context, tree, out, label string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := f.Truncate(64 << 20); err != nil {
		f.Close()
		return err
	}
	f.Close()

	cmd := exec.CommandContext(ctx, "mkfs.vfat", "-n", label, out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mkfs.vfat %s: %w\n%s", out, err, output)
	}

	entries, err := os.ReadDir(tree)
	if err != nil {
		return err
	}
	for _, e := range entries {
		cmd := exec.CommandContext(ctx, "mcopy", "-i", out, filepath.Join(tree, e.Name()), "::")
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("mcopy %s: %w\n%s", e.Name(), err, output)
		}
	}
	return nil
}
