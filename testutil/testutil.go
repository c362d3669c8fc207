package testutil

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-testing-interface"
)

var tmpDir = "/tmp/keg-test"

func init() {
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		fmt.Printf("Cannot create %s. Reverting to /tmp\n", tmpDir)
		tmpDir = "/tmp"
	}
}

// TempDir returns a fresh directory under the test tmp root.
func TempDir(t testing.T, name string) string {
	if t != nil && t.Name() != "" {
		name = t.Name() + "-" + name
	}
	name = strings.Replace(name, "/", "_", -1)
	d, err := ioutil.TempDir(tmpDir, name)
	if err != nil {
		if t == nil {
			panic(err)
		}
		t.Fatalf("err: %s", err)
	}
	return d
}

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls the test function until it passes or the retry
// budget runs out.
func WaitForResult(test testFn, onError errorFn) {
	waitForResultRetries(500, test, onError)
}

func waitForResultRetries(retries int64, test testFn, onError errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			if err != nil {
				onError(err)
			} else {
				onError(errors.New("max number of retries exceeded"))
			}
		}
	}
}
