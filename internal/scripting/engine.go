package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/rifthaven/server/internal/replica"
	"github.com/rifthaven/server/internal/schema"
)

// Engine wraps a single gopher-lua VM hosting the dynamic game-logic
// modules. Single-goroutine access only (game loop).
//
// Scripts declare themselves at load time:
//
//	register_system("drift", "Position", function(entity, c, dt)
//	    c.set("x", c.get("x") + dt)
//	end)
//
// The registered function runs once per live instance of the named component
// each logic phase. The handle `c` routes every write through the dirty
// wrapper, so script mutations replicate like any other.
type Engine struct {
	vm      *lua.LState
	log     *zap.Logger
	systems []LogicEntry
}

// LogicEntry is one script-registered logic system.
type LogicEntry struct {
	Name      string
	Component string
	fn        *lua.LFunction
}

// NewEngine creates a Lua engine and loads every script in the directory.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}

	vm.SetGlobal("register_system", vm.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		comp := L.CheckString(2)
		fn := L.CheckFunction(3)
		e.systems = append(e.systems, LogicEntry{Name: name, Component: comp, fn: fn})
		return 0
	}))

	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, err
	}
	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// Systems returns the logic systems the loaded scripts registered.
func (e *Engine) Systems() []LogicEntry { return e.systems }

// RunLogic invokes one registered system for one component instance. Errors
// stay inside the VM call; one bad entity never stops the pass.
func (e *Engine) RunLogic(entry LogicEntry, entity uint32, t *replica.Tracked, dt float64) error {
	h := e.wrapTracked(t)
	return e.vm.CallByParam(lua.P{
		Fn:      entry.fn,
		NRet:    0,
		Protect: true,
	}, lua.LNumber(entity), h, lua.LNumber(dt))
}

// wrapTracked builds the component handle passed to script systems. Reads
// go to the current value; every write path crosses Mutate first.
func (e *Engine) wrapTracked(t *replica.Tracked) *lua.LTable {
	return e.wrapValue(t.Read(), func() *replica.Value { return t.Mutate() })
}

// wrapValue builds a handle over one value. mutate returns the same value
// after opening the mutation window; sub-handles chain through their parent
// so a nested write still marks the registry.
func (e *Engine) wrapValue(v *replica.Value, mutate func() *replica.Value) *lua.LTable {
	vm := e.vm
	h := vm.NewTable()
	desc := v.Descriptor()

	field := func(L *lua.LState, name string) *schema.Field {
		f := desc.FieldByName(name)
		if f == nil {
			L.RaiseError("%s: no field %q", desc.Name, name)
		}
		return f
	}

	h.RawSetString("get", vm.NewFunction(func(L *lua.LState) int {
		f := field(L, L.CheckString(1))
		switch f.Kind {
		case schema.KindBool:
			L.Push(lua.LBool(v.Bool(f.Number)))
		case schema.KindU32:
			L.Push(lua.LNumber(v.U32(f.Number)))
		case schema.KindU64:
			L.Push(lua.LNumber(v.U64(f.Number)))
		case schema.KindS32:
			L.Push(lua.LNumber(v.S32(f.Number)))
		case schema.KindS64:
			L.Push(lua.LNumber(v.S64(f.Number)))
		case schema.KindF32:
			L.Push(lua.LNumber(v.F32(f.Number)))
		case schema.KindF64:
			L.Push(lua.LNumber(v.F64(f.Number)))
		case schema.KindString:
			L.Push(lua.LString(v.String_(f.Number)))
		case schema.KindBytes:
			L.Push(lua.LString(v.Bytes(f.Number)))
		default:
			L.RaiseError("%s.%s: get on %s field, use msg/entry", desc.Name, f.Name, f.Kind)
		}
		return 1
	}))

	h.RawSetString("set", vm.NewFunction(func(L *lua.LState) int {
		f := field(L, L.CheckString(1))
		w := mutate()
		switch f.Kind {
		case schema.KindBool:
			w.SetBool(f.Number, lua.LVAsBool(L.Get(2)))
		case schema.KindU32:
			w.SetU32(f.Number, uint32(L.CheckNumber(2)))
		case schema.KindU64:
			w.SetU64(f.Number, uint64(L.CheckNumber(2)))
		case schema.KindS32:
			w.SetS32(f.Number, int32(L.CheckNumber(2)))
		case schema.KindS64:
			w.SetS64(f.Number, int64(L.CheckNumber(2)))
		case schema.KindF32:
			w.SetF32(f.Number, float32(L.CheckNumber(2)))
		case schema.KindF64:
			w.SetF64(f.Number, float64(L.CheckNumber(2)))
		case schema.KindString:
			w.SetString(f.Number, L.CheckString(2))
		case schema.KindBytes:
			w.SetBytes(f.Number, []byte(L.CheckString(2)))
		default:
			L.RaiseError("%s.%s: set on %s field", desc.Name, f.Name, f.Kind)
		}
		return 0
	}))

	// msg(field) → handle over a nested sub-message.
	h.RawSetString("msg", vm.NewFunction(func(L *lua.LState) int {
		f := field(L, L.CheckString(1))
		if f.Kind != schema.KindMessage {
			L.RaiseError("%s.%s: not a message field", desc.Name, f.Name)
		}
		num := f.Number
		sub := mutate().MutableMsg(num)
		L.Push(e.wrapValue(sub, func() *replica.Value {
			return mutate().MutableMsg(num)
		}))
		return 1
	}))

	// put(field, key) → handle over a collection entry, creating it.
	h.RawSetString("put", vm.NewFunction(func(L *lua.LState) int {
		f := field(L, L.CheckString(1))
		if f.Kind != schema.KindMap {
			L.RaiseError("%s.%s: not a collection field", desc.Name, f.Name)
		}
		num := f.Number
		key := luaKey(L, f, 2)
		entry := mutate().PutEntry(num, key)
		L.Push(e.wrapValue(entry, func() *replica.Value {
			return mutate().PutEntry(num, key)
		}))
		return 1
	}))

	// keys(field) → array table of the live entry keys.
	h.RawSetString("keys", vm.NewFunction(func(L *lua.LState) int {
		f := field(L, L.CheckString(1))
		if f.Kind != schema.KindMap {
			L.RaiseError("%s.%s: not a collection field", desc.Name, f.Name)
		}
		out := L.NewTable()
		v.EachEntry(f.Number, func(k replica.Key, _ *replica.Value) {
			if f.KeyKind == schema.KindString {
				out.Append(lua.LString(k.S))
			} else {
				out.Append(lua.LNumber(k.U))
			}
		})
		L.Push(out)
		return 1
	}))

	// remove(field, key) marks a collection entry for removal.
	h.RawSetString("remove", vm.NewFunction(func(L *lua.LState) int {
		f := field(L, L.CheckString(1))
		if f.Kind != schema.KindMap {
			L.RaiseError("%s.%s: not a collection field", desc.Name, f.Name)
		}
		mutate().RemoveEntry(f.Number, luaKey(L, f, 2))
		return 0
	}))

	// has(field, key) reports whether a live entry exists.
	h.RawSetString("has", vm.NewFunction(func(L *lua.LState) int {
		f := field(L, L.CheckString(1))
		if f.Kind != schema.KindMap {
			L.RaiseError("%s.%s: not a collection field", desc.Name, f.Name)
		}
		L.Push(lua.LBool(v.Entry(f.Number, luaKey(L, f, 2)) != nil))
		return 1
	}))

	return h
}

func luaKey(L *lua.LState, f *schema.Field, idx int) replica.Key {
	if f.KeyKind == schema.KindString {
		return replica.KeyString(L.CheckString(idx))
	}
	return replica.KeyU64(uint64(L.CheckNumber(idx)))
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}
