package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Script is a compiled chunk that defines transform(payload) and/or
// condition(payload). Each call runs in a fresh state, so scripts cannot
// share globals between payloads.
type Script struct {
	Name  string
	proto *lua.FunctionProto
}

// Compile parses source once; syntax errors surface here rather than on the
// first payload.
func Compile(name, source string) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Script{Name: name, proto: proto}, nil
}

// LoadFile compiles the script at path.
func LoadFile(path string) (*Script, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	return Compile(filepath.Base(absPath), string(data))
}

// Transform calls transform(payload). The function must return a table.
func (s *Script) Transform(ctx context.Context, payload map[string]any) (map[string]any, error) {
	ret, err := s.call(ctx, "transform", payload)
	if err != nil {
		return nil, err
	}
	switch ret.Type() {
	case lua.LTTable:
		out, ok := fromLValue(ret).(map[string]any)
		if !ok {
			// Empty or array-like table.
			if arr, isArr := fromLValue(ret).([]any); isArr && len(arr) > 0 {
				return map[string]any{"items": arr}, nil
			}
			return map[string]any{}, nil
		}
		return out, nil
	case lua.LTNil:
		return nil, fmt.Errorf("%s: transform() returned nil", s.Name)
	default:
		return nil, fmt.Errorf("%s: transform() must return a table, got %s", s.Name, ret.Type().String())
	}
}

// Condition calls condition(payload) and reports Lua truthiness.
func (s *Script) Condition(ctx context.Context, payload map[string]any) (bool, error) {
	ret, err := s.call(ctx, "condition", payload)
	if err != nil {
		return false, err
	}
	return lua.LVAsBool(ret), nil
}

// Defines reports whether the script declares a global function fn.
func (s *Script) Defines(fn string) bool {
	l := s.newState(context.Background())
	defer l.Close()
	if err := l.CallByParam(lua.P{Fn: l.NewFunctionFromProto(s.proto), NRet: 0, Protect: true}); err != nil {
		return false
	}
	return l.GetGlobal(fn).Type() == lua.LTFunction
}

func (s *Script) newState(ctx context.Context) *lua.LState {
	l := lua.NewState()
	l.SetContext(ctx)
	// Allow os.getenv so scripts can read deployment settings.
	l.PreloadModule("os", osModuleLoader)
	return l
}

func (s *Script) call(ctx context.Context, fnName string, payload map[string]any) (lua.LValue, error) {
	l := s.newState(ctx)
	defer l.Close()

	if err := l.CallByParam(lua.P{Fn: l.NewFunctionFromProto(s.proto), NRet: 0, Protect: true}); err != nil {
		return nil, fmt.Errorf("%s: load: %w", s.Name, err)
	}
	fn := l.GetGlobal(fnName)
	if fn.Type() == lua.LTNil {
		return nil, fmt.Errorf("%s: script must define global function %s(payload)", s.Name, fnName)
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%s: %s must be a function, got %s", s.Name, fnName, fn.Type().String())
	}

	l.Push(fn)
	l.Push(toLValue(l, payload))
	if err := l.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("%s: %s(): %w", s.Name, fnName, err)
	}
	ret := l.Get(-1)
	l.Pop(1)
	return ret, nil
}

func toLValue(l *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case float64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case map[string]any:
		tbl := l.NewTable()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			l.SetField(tbl, k, toLValue(l, x[k]))
		}
		return tbl
	case []any:
		tbl := l.NewTable()
		for _, item := range x {
			tbl.Append(toLValue(l, item))
		}
		return tbl
	case []string:
		tbl := l.NewTable()
		for _, item := range x {
			tbl.Append(lua.LString(item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

func fromLValue(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case *lua.LTable:
		if n := x.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLValue(x.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		x.ForEach(func(k, val lua.LValue) {
			m[k.String()] = fromLValue(val)
		})
		return m
	default:
		return nil
	}
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(lState *lua.LState) int {
	mod := lState.NewTable()
	lState.SetField(mod, "getenv", lState.NewFunction(func(ls *lua.LState) int {
		key := ls.CheckString(1)
		val := os.Getenv(key)
		ls.Push(lua.LString(val))
		return 1
	}))
	lState.SetField(mod, "time", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	lState.Push(mod)
	return 1
}
