package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseRegistration(t *testing.T) {
	c, err := ParseRegistration("cmd=deploy|descr=Deploy a=b|agrp=ops")
	require.NoError(t, err)
	assert.Equal(t, Command{Name: "deploy", Description: "Deploy a=b", Group: "ops"}, c)

	c, err = ParseRegistration("cmd=weather|agrp=|extra=ignored")
	require.NoError(t, err)
	assert.Equal(t, Command{Name: "weather"}, c)

	for _, payload := range []string{
		"",
		"descr=nameless",
		"cmd=deploy|garbage",
		"cmd=",
		"cmd=two words",
	} {
		_, err := ParseRegistration(payload)
		assert.ErrorIs(t, err, ErrMalformedRegistration, "payload %q", payload)
	}
}

func TestRegistryBuiltinsAreProtected(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	group, ok := r.RequiredGroup("addacl")
	assert.True(t, ok)
	assert.Equal(t, "sysops", group)

	group, ok = r.RequiredGroup("more")
	assert.True(t, ok)
	assert.Empty(t, group)

	err := r.Register("cmd=addacl|descr=hijack")
	assert.ErrorIs(t, err, ErrBuiltinOverride)
	c, _ := r.Lookup("addacl")
	assert.Equal(t, "sysops", c.Group)

	_, ok = r.RequiredGroup("deploy")
	assert.False(t, ok)
}

func TestRegistryReplacesPlugins(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, r.Register("cmd=deploy|descr=v1|agrp=ops"))
	require.NoError(t, r.Register("cmd=weather|descr=Weather"))
	require.NoError(t, r.Register("cmd=deploy|descr=v2"))

	c, ok := r.Lookup("deploy")
	require.True(t, ok)
	assert.Equal(t, "v2", c.Description)
	assert.Empty(t, c.Group)

	names := r.Names()
	assert.Equal(t, []string{"deploy", "weather"}, names[len(names)-2:])
	assert.Len(t, names, len(builtinCatalog)+2)
}
