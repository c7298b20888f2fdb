package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Template renders a starter config for kind "root" or "peer".
func Template(kind string) (string, error) {
	n := Default()
	n.Secret = "change-me"
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "root":
		n.ProcessID = "root"
		n.IsRoot = true
		n.ListenAddr = n.RootAddr
		n.AdminListenAddr = "127.0.0.1:9590"
	case "peer":
		n.ProcessID = "peer-1"
		n.ListenAddr = "127.0.0.1:9501"
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(toFile(n))
	if err != nil {
		return "", fmt.Errorf("render %s config: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
