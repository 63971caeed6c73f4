package client

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openpectus/enginemgr/internal/config"
	configstore "github.com/openpectus/enginemgr/internal/config/store"
)

// connectionSettings holds everything needed to reach a running daemon.
type connectionSettings struct {
	Host  string
	Port  int
	Token string
}

// loadConnectionSettings reads the daemon address and API token from the
// instance configuration database. The store is opened read-only so the
// CLI never races the daemon on writes.
func loadConnectionSettings(ctx context.Context) (connectionSettings, error) {
	paths := config.GetInstancePaths(config.InstanceName())
	if _, err := os.Stat(paths.ConfigDB); err != nil {
		return connectionSettings{}, fmt.Errorf("client: no daemon configuration at %s; is enginemgrd running?", paths.ConfigDB)
	}

	store, err := configstore.Open(ctx, configstore.Options{
		DBPath:   paths.ConfigDB,
		ReadOnly: true,
	})
	if err != nil {
		return connectionSettings{}, err
	}
	defer store.Close()

	values, err := store.LoadSettings(ctx,
		configstore.KeyAPIHost, configstore.KeyAPIPort, configstore.KeyAPIToken)
	if err != nil {
		return connectionSettings{}, err
	}

	settings := connectionSettings{
		Host:  strings.TrimSpace(values[configstore.KeyAPIHost]),
		Token: strings.TrimSpace(values[configstore.KeyAPIToken]),
	}
	if settings.Host == "" {
		settings.Host = "127.0.0.1"
	}

	port, err := strconv.Atoi(strings.TrimSpace(values[configstore.KeyAPIPort]))
	if err != nil || port <= 0 {
		return connectionSettings{}, fmt.Errorf("client: daemon HTTP port not available; is enginemgrd running?")
	}
	settings.Port = port

	return settings, nil
}
