package di

import (
	"os"
	"path/filepath"

	"github.com/redkeeper/keeperstore/replication"
	"github.com/redkeeper/keeperstore/store"
	"github.com/redkeeper/keeperstore/utils"
	"github.com/redkeeper/keeperstore/utils/log"
)

// Container builds the components of a keeperstore instance on first use.
type Container struct {
	keeperConfig     *utils.KeeperConfig
	absRootDir       string
	replicationStore *store.ReplicationStore
	gcWorker         *store.GCWorker
	syncer           *replication.Syncer
}

func NewContainer(cfg *utils.KeeperConfig) *Container {
	return &Container{keeperConfig: cfg}
}

func (c *Container) GetAbsRootDir() string {
	if c.absRootDir != "" {
		return c.absRootDir
	}
	relRootDir := c.keeperConfig.RootDirectory

	// rootDir is the absolute path to the data directory.
	// e.g. rootDir = "/var/lib/keeper/data"
	rootDir, err := filepath.Abs(filepath.Clean(relRootDir))
	if err != nil {
		log.Error("Cannot take absolute path of root directory %s", err.Error())
	} else {
		log.Info("Root Directory: %s", rootDir)
		const ownerGroupAll = 0o770
		err = os.Mkdir(rootDir, ownerGroupAll)
		if err != nil && !os.IsExist(err) {
			log.Error("Could not create root directory: %s", err.Error())
			panic(err)
		}
	}
	c.absRootDir = rootDir
	return c.absRootDir
}

// Close closes the replication store if it was opened.
func (c *Container) Close() error {
	if c.replicationStore == nil {
		return nil
	}
	return c.replicationStore.Close()
}
