// Package paths defines the on-disk layout of a discovery storage directory.
//
// # Directory Structure
//
//	<storage>/
//	  ├── view/           (pebble view store)
//	  ├── log/            (local operation log)
//	  └── identity.seed   (hex RPC identity seed, mode 0600)
//
// # Usage
//
//	layout := paths.New(cfg.Storage.Dir)
//	if err := layout.Ensure(); err != nil {
//	    return err
//	}
//	store, err := view.Open(layout.View(), opts)
package paths
