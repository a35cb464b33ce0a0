// Package nodefile parses the DCL_NODE_FILE list of compute-node URLs.
package nodefile

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/wwu-pi/dcl/internal/clerr"
)

// DefaultPath is used when DCL_NODE_FILE is unset, relative to the current
// working directory.
const DefaultPath = "dcl.nodes"

// EnvVar is the environment variable overriding DefaultPath.
const EnvVar = "DCL_NODE_FILE"

// Path resolves the node file path from the environment, falling back to
// DefaultPath.
func Path() string {
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and parses the node file at path: one node URL per line,
// '#' introduces a comment, leading/trailing whitespace is trimmed, blank
// lines are skipped.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, clerr.Wrap(clerr.InvalidNodeFile, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse runs the node-file grammar over r, used directly by Load and by
// tests that don't want to touch the filesystem.
func Parse(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	var nodes []string
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		nodes = append(nodes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, clerr.Wrap(clerr.InvalidNodeFile, err)
	}
	if len(nodes) == 0 {
		return nil, clerr.New(clerr.InvalidNodeFile)
	}
	return nodes, nil
}
