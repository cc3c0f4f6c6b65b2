package tank

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Config directories, lowest priority first. The session directory goes
// between the package defaults and the operator override.
const (
	MachineConfigDir  = "/etc/yandex-tank"
	DefaultsConfigDir = "/etc/yandex-tank-api/defaults"
	OverrideConfigDir = "/etc/yandex-tank-api/override"
)

// LoadConfigName is the file the runner writes the session config to.
const LoadConfigName = "load.ini"

// ConfigLayers returns the directories searched for *.ini files for a session
// in workDir. The machine-wide layer is dropped when ignoreMachineDefaults.
func ConfigLayers(workDir string, ignoreMachineDefaults bool) []string {
	var dirs []string
	if !ignoreMachineDefaults {
		dirs = append(dirs, MachineConfigDir)
	}
	return append(dirs, DefaultsConfigDir, workDir, OverrideConfigDir)
}

// DiscoverConfigs lists the *.ini files of every layer, name-sorted within a
// layer. Unreadable layers are logged and skipped.
func DiscoverConfigs(dirs []string, logger log.FieldLogger) []string {
	var files []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.WithError(err).Debugf("Failed to get configs from %s", dir)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if ok, _ := filepath.Match("*.ini", entry.Name()); !ok {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if real, err := filepath.EvalSymlinks(path); err == nil {
				path = real
			}
			logger.Debugf("Adding config file: %s", path)
			files = append(files, path)
		}
	}
	return files
}

// LoadConfigs merges files in order; a key set by a later file replaces the
// earlier value together with its shadows. Repeated keys within one file are
// kept as shadows. Values are shell commands, so ';' and '#' inside a value
// are not comments.
func LoadConfigs(files []string) (*ini.File, error) {
	opts := ini.LoadOptions{AllowShadows: true, IgnoreInlineComment: true}
	merged := ini.Empty(opts)
	for _, f := range files {
		layer, err := ini.LoadSources(opts, f)
		if err != nil {
			return nil, errors.Wrapf(err, "load config %s", f)
		}
		if err := overlay(merged, layer); err != nil {
			return nil, errors.Wrapf(err, "merge config %s", f)
		}
	}
	return merged, nil
}

func overlay(dst, src *ini.File) error {
	for _, section := range src.Sections() {
		target := dst.Section(section.Name())
		for _, key := range section.Keys() {
			values := key.ValueWithShadows()
			if len(values) == 0 {
				values = []string{""}
			}
			target.DeleteKey(key.Name())
			k, err := target.NewKey(key.Name(), values[0])
			if err != nil {
				return err
			}
			for _, v := range values[1:] {
				if err := k.AddShadow(v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
