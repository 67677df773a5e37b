package passphrase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSource(env map[string]string, tty bool, typed string, readErr error) (*Source, *bytes.Buffer) {
	out := &bytes.Buffer{}
	src := NewSource("LENDCTL_TEST_SECRET", "signing secret")
	src.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	src.terminal = func() bool { return tty }
	src.prompt = func() ([]byte, error) { return []byte(typed), readErr }
	src.out = out
	return src, out
}

func TestSourcePrefersEnvironment(t *testing.T) {
	src, out := newTestSource(map[string]string{"LENDCTL_TEST_SECRET": "from-env"}, true, "typed", nil)
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "from-env", value)
	require.Empty(t, out.String())
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	src, _ := newTestSource(map[string]string{"LENDCTL_TEST_SECRET": "  "}, true, "typed", nil)
	_, err := src.Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourcePromptsOnTerminal(t *testing.T) {
	src, out := newTestSource(nil, true, "typed", nil)
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "typed", value)
	require.Contains(t, out.String(), "Enter signing secret")

	src.prompt = func() ([]byte, error) { return []byte("other"), nil }
	again, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "typed", again)
}

func TestSourceWithoutTerminal(t *testing.T) {
	src, _ := newTestSource(nil, false, "", nil)
	_, err := src.Get()
	require.ErrorContains(t, err, "LENDCTL_TEST_SECRET")
}

func TestSourcePromptFailures(t *testing.T) {
	src, _ := newTestSource(nil, true, "", errors.New("eof"))
	_, err := src.Get()
	require.ErrorContains(t, err, "eof")

	blank, _ := newTestSource(nil, true, "   ", nil)
	_, err = blank.Get()
	require.ErrorContains(t, err, "cannot be empty")
}
