package scripting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestSandbox_SafeLibrariesWork(t *testing.T) {
	L := NewSandboxedState(0)
	defer L.Close()

	err := L.DoString(`
		local parts = {}
		for i = 1, 3 do
			table.insert(parts, string.format("%d", i * 2))
		end
		result = table.concat(parts, ",") .. "/" .. tostring(math.max(7, 3))
	`)
	require.NoError(t, err)
	assert.Equal(t, "2,4,6/7", L.GetGlobal("result").String())
}

func TestSandbox_DangerousGlobalsRemoved(t *testing.T) {
	L := NewSandboxedState(0)
	defer L.Close()

	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), name)
	}
}

func TestSandbox_NoIOOrOSLibraries(t *testing.T) {
	L := NewSandboxedState(0)
	defer L.Close()

	assert.Equal(t, lua.LNil, L.GetGlobal("io"))
	assert.Equal(t, lua.LNil, L.GetGlobal("os"))
}

func TestSandbox_InstructionLimitAbortsRunawayScript(t *testing.T) {
	L := NewSandboxedState(10_000)
	defer L.Close()

	err := L.DoString(`while true do end`)
	require.Error(t, err)
}

func TestSandbox_LimitAllowsShortScripts(t *testing.T) {
	L := NewSandboxedState(10_000)
	defer L.Close()

	require.NoError(t, L.DoString(`x = 1 + 1`))
}

func TestSandbox_ZeroLimitUsesDefault(t *testing.T) {
	L := NewSandboxedState(0)
	defer L.Close()

	// Well under DefaultInstructionLimit opcodes.
	err := L.DoString(`
		local sum = 0
		for i = 1, 1000 do sum = sum + i end
		total = sum
	`)
	require.NoError(t, err)
	assert.Equal(t, "500500", L.GetGlobal("total").String())
}
