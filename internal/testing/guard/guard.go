// Package guard switches the process into test mode when imported, so
// binaries and app wiring skip network side effects under go test.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("STOCKLEDGER_TEST_MODE") == "" {
			_ = os.Setenv("STOCKLEDGER_TEST_MODE", "1")
		}
	})
}
