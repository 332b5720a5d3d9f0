package inspect

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/redkeeper/keeperstore/store"
)

const (
	inspectUsage     = "inspect"
	inspectShortDesc = "Prints the state of a replication store directory"
	inspectLongDesc  = "This command prints the metadata record, the snapshot health and the command log " +
		"segments of a replication store directory without modifying it."
	inspectDirDesc = "Path to the replication store directory"
)

var (
	// Cmd is the inspect command.
	Cmd = &cobra.Command{
		Use:     inspectUsage,
		Short:   inspectShortDesc,
		Long:    inspectLongDesc,
		Example: "keeperstore tool inspect --dir data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return Report(cmd.OutOrStdout(), filepath.Clean(dir))
		},
	}
	// dir is the store directory.
	dir string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&dir, "dir", "d", "", inspectDirDesc)
	_ = Cmd.MarkFlagRequired("dir")
}

type segmentFile struct {
	name  string
	start int64
	size  int64
}

// Report writes a human readable description of the store under dir to w.
func Report(w io.Writer, dir string) error {
	ms, err := store.LoadMetaStore(dir)
	if err != nil {
		return err
	}
	m := ms.Dup()
	if m.BeginOffset == nil {
		fmt.Fprintf(w, "store %s is fresh, no snapshot has begun\n", dir)
		return nil
	}

	fmt.Fprintf(w, "master run id:          %s\n", m.MasterRunID)
	fmt.Fprintf(w, "begin offset:           %d\n", *m.BeginOffset)
	fmt.Fprintf(w, "keeper begin offset:    %d\n", m.KeeperBeginOffset)

	marker, complete, err := m.RdbMarker()
	if err != nil {
		return err
	}
	rdb := store.OpenRdbStore(filepath.Join(dir, m.RdbFile), m.RdbLastKeeperOffset, marker, complete)
	health := "ok"
	if !rdb.CheckOk() {
		health = "unusable"
	}
	fmt.Fprintf(w, "snapshot:               %s (%s, %s, last keeper offset %d)\n",
		m.RdbFile, marker, health, m.RdbLastKeeperOffset)
	if m.RdbFileSize > 0 {
		fmt.Fprintf(w, "snapshot size:          %s\n", bytefmt.ByteSize(uint64(m.RdbFileSize)))
	}

	segs, stale, err := listFiles(dir, m.CmdFilePrefix, m.RdbFile)
	if err != nil {
		return err
	}
	var total int64
	if len(segs) > 0 {
		total = segs[0].start
	}
	fmt.Fprintf(w, "command log %s:\n", m.CmdFilePrefix)
	for _, seg := range segs {
		gap := ""
		if seg.start != total {
			gap = fmt.Sprintf(" (gap, expected start %d)", total)
		}
		fmt.Fprintf(w, "  %-60s start %-12d %8s%s\n", seg.name, seg.start, bytefmt.ByteSize(uint64(seg.size)), gap)
		total = seg.start + seg.size
	}
	fmt.Fprintf(w, "keeper end offset:      %d\n", m.KeeperBeginOffset+total-1)
	for _, name := range stale {
		fmt.Fprintf(w, "stale file:             %s\n", name)
	}
	return nil
}

// listFiles returns the segments of the log with prefix in offset order, and every other
// snapshot or command file that a restart would delete.
func listFiles(dir, prefix, rdbFile string) ([]segmentFile, []string, error) {
	finder := store.NewFinder(os.ReadDir)
	files, err := finder.Find(dir, "cmd_*")
	if err != nil {
		return nil, nil, err
	}
	rdbFiles, err := finder.Find(dir, "rdb_*")
	if err != nil {
		return nil, nil, err
	}

	var (
		segs  []segmentFile
		stale []string
	)
	for _, p := range rdbFiles {
		if name := filepath.Base(p); name != rdbFile {
			stale = append(stale, name)
		}
	}
	for _, p := range files {
		name := filepath.Base(p)
		if !strings.HasPrefix(name, prefix) {
			stale = append(stale, name)
			continue
		}
		start, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
		if err != nil {
			return nil, nil, errors.Wrapf(store.ErrCorrupted, "segment %s", name)
		}
		fi, err := os.Stat(p)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "stat %s", p)
		}
		segs = append(segs, segmentFile{name: name, start: start, size: fi.Size()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })
	return segs, stale, nil
}
