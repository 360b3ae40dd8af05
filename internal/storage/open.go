package storage

import (
	"fmt"
	"strings"

	logx "apexbot/pkg/logx"
)

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or ErrDisabled when the driver is
// empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, ErrDisabled
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log)
}
