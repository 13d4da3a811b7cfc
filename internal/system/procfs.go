// Package system reads host counters from a procfs mount.
package system

import (
	"fmt"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
)

const DefaultRoot = procfs.DefaultMountPoint

// ProcFS reads counters below Root. Tests point it at a fixture tree.
type ProcFS struct {
	Root string
}

func NewProcFS(root string) ProcFS {
	if root == "" {
		root = DefaultRoot
	}
	return ProcFS{Root: root}
}

// proc opens Root on every read so a remounted or late-created tree is
// picked up without restarting the source.
func (p ProcFS) proc() (procfs.FS, error) {
	fs, err := procfs.NewFS(p.Root)
	if err != nil {
		return procfs.FS{}, fmt.Errorf("open procfs %s: %w", p.Root, err)
	}
	return fs, nil
}

// block only reads diskstats, so the sysfs side is pointed at Root too.
func (p ProcFS) block() (blockdevice.FS, error) {
	fs, err := blockdevice.NewFS(p.Root, p.Root)
	if err != nil {
		return blockdevice.FS{}, fmt.Errorf("open procfs %s: %w", p.Root, err)
	}
	return fs, nil
}
