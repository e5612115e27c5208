package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfigFile is the game's own config inside a server folder.
const ServerConfigFile = "ServerConfig.toml"

// serverConfigName returns [General] Name from the folder's ServerConfigFile.
// A missing file yields "" and no error.
func serverConfigName(dir string) (string, error) {
	path := filepath.Join(dir, ServerConfigFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read %s: %w", ServerConfigFile, err)
	}
	return strings.TrimSpace(v.GetString("general.name")), nil
}
