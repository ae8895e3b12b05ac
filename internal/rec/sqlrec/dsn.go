package sqlrec

import (
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// buildDSN turns a connection string (already a MySQL DSN, or a bare
// "user:pass@tcp(host:port)/dbname" form) into a fully configured DSN,
// honoring DURO_LOCK_TIMEOUT the way the teacher's SQLite driver honored
// BD_LOCK_TIMEOUT.
func buildDSN(connStr string) (string, error) {
	cfg, err := mysql.ParseDSN(connStr)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = false
	cfg.MultiStatements = false
	cfg.Params = map[string]string{}

	timeout := 30 * time.Second
	if v := os.Getenv("DURO_LOCK_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			timeout = time.Duration(secs) * time.Second
		}
	}
	cfg.Timeout = timeout
	cfg.ReadTimeout = timeout
	cfg.WriteTimeout = timeout
	return cfg.FormatDSN(), nil
}
