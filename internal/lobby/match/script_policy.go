package match

import (
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/scripting"
)

// selectFunction is the global a policy script must define. It receives an
// array of candidate tables and returns the 1-based index of the chosen
// candidate, or nil when none qualifies.
const selectFunction = "select_candidate"

// ScriptPolicy selects candidates with an operator-supplied Lua script run
// in a sandboxed, instruction-limited VM. A fresh VM is built per selection,
// so scripts cannot retain state between searches. Script errors select
// nothing, leaving the search to complete as failed-to-matchmake.
type ScriptPolicy struct {
	source    string
	instLimit int
	logger    *zap.Logger
}

var _ Policy = (*ScriptPolicy)(nil)

// NewScriptPolicy creates a policy from Lua source.
//
// Precondition: logger must be non-nil; instLimit 0 uses the default.
func NewScriptPolicy(source string, instLimit int, logger *zap.Logger) *ScriptPolicy {
	return &ScriptPolicy{source: source, instLimit: instLimit, logger: logger}
}

// NewScriptPolicyFromFile loads a policy script from disk.
//
// Precondition: path must point to a readable Lua file.
func NewScriptPolicyFromFile(path string, instLimit int, logger *zap.Logger) (*ScriptPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy script %s: %w", path, err)
	}
	return NewScriptPolicy(string(data), instLimit, logger), nil
}

// Select implements Policy.
func (p *ScriptPolicy) Select(results []SearchResult) (int, bool) {
	L := scripting.NewSandboxedState(p.instLimit)
	defer L.Close()

	if err := L.DoString(p.source); err != nil {
		p.logger.Warn("policy script failed to load", zap.Error(err))
		return 0, false
	}
	fn := L.GetGlobal(selectFunction)
	if fn.Type() != lua.LTFunction {
		p.logger.Warn("policy script does not define function",
			zap.String("function", selectFunction),
		)
		return 0, false
	}

	candidates := L.NewTable()
	for _, r := range results {
		entry := L.NewTable()
		L.SetField(entry, "name", lua.LString(r.Room.Attributes["name"]))
		L.SetField(entry, "session_id", lua.LString(r.Room.SessionID))
		L.SetField(entry, "open_public_slots", lua.LNumber(r.Room.OpenPublicSlots))
		L.SetField(entry, "open_private_slots", lua.LNumber(r.Room.OpenPrivateSlots))
		L.SetField(entry, "total_public_slots", lua.LNumber(r.Room.TotalPublicSlots))
		L.SetField(entry, "ping_ms", lua.LNumber(r.Ping.Milliseconds()))
		candidates.Append(entry)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, candidates); err != nil {
		p.logger.Warn("policy script selection failed", zap.Error(err))
		return 0, false
	}
	ret := L.Get(-1)
	L.Pop(1)

	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, false
	}
	idx := int(n) - 1
	if idx < 0 || idx >= len(results) {
		p.logger.Warn("policy script returned out-of-range index", zap.Int("index", int(n)))
		return 0, false
	}
	return idx, true
}
