package store

import (
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"

	"github.com/redkeeper/keeperstore/utils/log"
)

const (
	rdbFilePattern = rdbFilePrefix + "*"
	cmdFilePattern = cmdFilePrefix + "*"
)

type Finder struct {
	dirRead func(name string) ([]os.DirEntry, error)
}

func NewFinder(dirRead func(name string) ([]os.DirEntry, error)) *Finder {
	return &Finder{dirRead: dirRead}
}

// Find returns the absolute paths of regular files directly under dir whose names match the glob pattern.
func (f *Finder) Find(dir, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "compile file pattern %q", pattern)
	}
	files, err := f.dirRead(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read the directory %s", dir)
	}
	var ret []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		filename := file.Name()
		if !g.Match(filename) {
			continue
		}

		log.Debug("found a file matching %s: %s", pattern, filename)
		ret = append(ret, filepath.Join(dir, filename))
	}
	return ret, nil
}
