package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEOutput(t *testing.T) {
	NoColor()
	var out, errOut bytes.Buffer
	e := NewEOutput(false)
	e.SetWriters(&out, &errOut)

	e.Ebegin("Merging app-foo/bar-1")
	e.Eend(0, "")
	assert.Equal(t, " * Merging app-foo/bar-1 ...", errOut.String())
	assert.True(t, strings.HasSuffix(out.String(), "[ ok ]\n"))

	errOut.Reset()
	e.Ewarn("one\ntwo")
	assert.Equal(t, " * one\n * two\n", errOut.String())

	errOut.Reset()
	out.Reset()
	e.Ebegin("x")
	e.Eend(1, "broken")
	assert.Equal(t, " * x ...\n * broken\n", errOut.String())
	assert.True(t, strings.HasSuffix(out.String(), "[ !! ]\n"))
}

func TestQuiet(t *testing.T) {
	var out, errOut bytes.Buffer
	e := NewEOutput(true)
	e.SetWriters(&out, &errOut)
	e.Einfo("hidden")
	e.Ebegin("hidden")
	e.Eend(0, "")
	assert.Empty(t, out.String())
	assert.Empty(t, errOut.String())
}

func TestColorize(t *testing.T) {
	NoColor()
	assert.Equal(t, "text", Colorize("BAD", "text"))
	assert.Equal(t, "text", Colorize("NO_SUCH_KEY", "text"))
	assert.Equal(t, "x", Good("x"))
}
