// Package manifest records store backups in a blob store.
//
// A backup with id X is laid out as
//
//	backups/X/files/<path relative to the store directory>
//	backups/X/MANIFEST.json
//
// and is committed by writing X to CURRENT. Save writes the manifest only
// after every listed file is in place, so a reader that follows CURRENT
// never sees a partial backup.
package manifest
