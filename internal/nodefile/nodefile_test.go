package nodefile_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/nodefile"
)

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	src := "ws://node-a:9876\n# comment\n\n  ws://node-b:9876  \nws://node-c:9876 # trailing comment\n"
	nodes, err := nodefile.Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, []string{"ws://node-a:9876", "ws://node-b:9876", "ws://node-c:9876"}, nodes)
}

func TestParseRejectsEmptyFile(t *testing.T) {
	_, err := nodefile.Parse(strings.NewReader("# only comments\n\n"))
	require.Error(t, err)
}

func TestPathDefaultsWhenEnvUnset(t *testing.T) {
	t.Setenv(nodefile.EnvVar, "")
	require.Equal(t, nodefile.DefaultPath, nodefile.Path())
}

func TestPathHonoursEnv(t *testing.T) {
	t.Setenv(nodefile.EnvVar, "/etc/dcl/custom.nodes")
	require.Equal(t, "/etc/dcl/custom.nodes", nodefile.Path())
}
