package keg

import (
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// managerVerboseLogs turns on directive dumps. KEGDEBUG=replica=1.
var managerVerboseLogs bool

func init() {
	spew.Config.Indent = ""
	if strings.Contains(os.Getenv("KEGDEBUG"), "replica=1") {
		managerVerboseLogs = true
	}
}

// dump renders a request for the verbose directive log.
func dump(v interface{}) string {
	return spew.Sdump(v)
}
