package selector

import (
	"bytes"
	"fmt"

	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/pelletier/go-toml/v2"
)

// LoadRequest reads a selection request from a TOML file. For example:
//
//	uninstall = false
//	steps = ["AddColumn:1", "Contacts"]
func LoadRequest(fs vfs.FileSystem, path string) (Request, error) {
	var req Request

	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return req, fmt.Errorf("failed reading selection file: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err = dec.Decode(&req); err != nil {
		return req, fmt.Errorf("failed parsing selection file '%s': %w", path, err)
	}

	return req, nil
}
