// Package guard switches binaries into test mode when imported by tests, so
// main packages never dial Postgres or Redis during `go test`.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("MENUAUTHZ_TEST_MODE") == "" {
			_ = os.Setenv("MENUAUTHZ_TEST_MODE", "1")
		}
	})
}
