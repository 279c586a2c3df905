package library

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const identityFile = "device_identity.json"

// identity is this process's own Device row — distinct from every Device
// row store.PutDevice registers for a *paired peer*, since nothing in
// store.Device marks one row as "self". Persisted once per base directory,
// loaded back on every restart the way config.Load round-trips Config.
type identity struct {
	UUID string
	Name string
}

// loadOrCreateIdentity reads baseDir/device_identity.json, minting and
// persisting a fresh UUID the first time a library is opened against an
// empty baseDir.
func loadOrCreateIdentity(baseDir, displayName string) (identity, error) {
	path := filepath.Join(baseDir, identityFile)
	b, err := os.ReadFile(path)
	if err == nil {
		var id identity
		if err := json.Unmarshal(b, &id); err != nil {
			return identity{}, errors.Wrapf(err, "library: parse %s", path)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return identity{}, errors.Wrapf(err, "library: read %s", path)
	}

	id := identity{UUID: uuid.NewString(), Name: displayName}
	b, err = json.Marshal(id)
	if err != nil {
		return identity{}, errors.Wrap(err, "library: marshal identity")
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return identity{}, errors.Wrapf(err, "library: write %s", path)
	}
	return id, nil
}
