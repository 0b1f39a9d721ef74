package isolate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
)

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

// The compiler is a baseline code generator for a small script subset. It
// only parses far enough to find function declarations, names, literals
// and calls, and emits code that references each of them through the
// relocation kinds a real code generator would use.

// ErrSyntax reports source the compiler could not split into functions.
var ErrSyntax = errors.New("syntax error")

var tokenPattern = regexp.MustCompile(`(?s)//[^\n]*|/\*.*?\*/|"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|\d+(?:\.\d+)?|[A-Za-z_$][\w$]*|[{}()\[\]+=;,.]`)

var keywords = map[string]bool{
	"function": true, "var": true, "return": true, "if": true, "else": true, "for": true,
	"while": true, "new": true, "this": true, "true": true, "false": true, "null": true,
	"undefined": true, "typeof": true,
}

type token struct {
	text string
	pos  int
}

func (t token) isIdent() bool {
	c := t.text[0]
	return (c == '_' || c == '$' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') && !keywords[t.text]
}

func (t token) isNumber() bool { return t.text[0] >= '0' && t.text[0] <= '9' }

func (t token) isString() bool { return t.text[0] == '"' || t.text[0] == '\'' }

func tokenize(src string) []token {
	var toks []token
	for _, loc := range tokenPattern.FindAllStringIndex(src, -1) {
		text := src[loc[0]:loc[1]]
		if strings.HasPrefix(text, "//") || strings.HasPrefix(text, "/*") {
			continue
		}
		toks = append(toks, token{text: text, pos: loc[0]})
	}
	return toks
}

type funcDecl struct {
	name string
	pos  int
	body []token
}

// split separates function declarations from the tokens around them.
func split(toks []token) ([]token, []funcDecl, error) {
	var rest []token
	var fns []funcDecl
	for i := 0; i < len(toks); i++ {
		if toks[i].text != "function" || i+1 >= len(toks) || !toks[i+1].isIdent() {
			rest = append(rest, toks[i])
			continue
		}
		open := -1
		for j := i + 2; j < len(toks); j++ {
			if toks[j].text == "{" {
				open = j
				break
			}
		}
		if open < 0 {
			return nil, nil, fmt.Errorf("%w: function %s at %d has no body", ErrSyntax, toks[i+1].text, toks[i].pos)
		}
		depth, end := 0, -1
		for k := open; k < len(toks) && end < 0; k++ {
			switch toks[k].text {
			case "{":
				depth++
			case "}":
				if depth--; depth == 0 {
					end = k
				}
			}
		}
		if end < 0 {
			return nil, nil, fmt.Errorf("%w: unbalanced braces in function %s at %d", ErrSyntax, toks[i+1].text, toks[i].pos)
		}
		fns = append(fns, funcDecl{name: toks[i+1].text, pos: toks[i].pos, body: toks[open+1 : end]})
		i = end
	}
	return rest, fns, nil
}

// Compile compiles a script and returns its toplevel SharedFunctionInfo.
// Call inside a handle scope.
func (iso *Isolate) Compile(source, name string) (handles.Handle, error) {
	toks := tokenize(source)
	src := iso.NewString(source)
	script := iso.NewScript(src.Value(), iso.InternalizeString(name).Value())
	iso.IncrementCounter("compile_lazy", 1)
	return iso.compileUnit(toks, script, name, heap.SharedIsToplevel, 0)
}

func (iso *Isolate) compileUnit(toks []token, script handles.Handle, name string, flags int32, pos int) (handles.Handle, error) {
	rest, fns, err := split(toks)
	if err != nil {
		return handles.Handle{}, err
	}
	inner := make([]handles.Handle, 0, len(fns))
	for _, fn := range fns {
		sfi, err := iso.compileUnit(fn.body, script, fn.name, 0, fn.pos)
		if err != nil {
			return handles.Handle{}, err
		}
		inner = append(inner, sfi)
	}
	innerArray := iso.NewHandle(iso.heap.Root(heap.EmptyFixedArrayRootIndex))
	if len(inner) > 0 {
		innerArray = iso.NewFixedArray(len(inner), heap.OldPointerSpace)
		for i, sfi := range inner {
			iso.heap.FixedArraySet(innerArray.Address(), i, sfi.Value())
		}
	}
	code := iso.generate(rest, inner)
	return iso.NewSharedFunctionInfo(heap.SharedInfo{
		Name:           iso.InternalizeString(name).Value(),
		Code:           code.Value(),
		Script:         script.Value(),
		InnerFunctions: innerArray.Value(),
		Flags:          flags,
		StartPosition:  int32(pos),
	}), nil
}

func (iso *Isolate) generate(toks []token, inner []handles.Handle) handles.Handle {
	stubs := iso.stubs
	a := heap.NewAssembler()
	a.Prologue()
	a.MoveExternal(heap.RelocExternalReference, iso.CounterAddress(counterIndex("ic_misses")))
	a.Call(iso.BuiltinCode(BuiltinStackCheck))
	loop := a.Offset()

	seen := make(map[string]bool)
	for i, t := range toks {
		switch {
		case t.text == "var" && i+1 < len(toks) && toks[i+1].isIdent():
			a.LoadCell(iso.NewCell(iso.heap.UndefinedValue()).Value())
		case t.isIdent():
			if !seen[t.text] {
				seen[t.text] = true
				a.MoveObject(iso.InternalizeString(t.text).Value())
				a.Call(stubs.GetCode(MakeStubKey(MajorLoadICStub, uint32(len(t.text)%4))))
			}
			if i+1 < len(toks) && toks[i+1].text == "(" {
				a.Call(stubs.GetCode(MakeStubKey(MajorCallFunction, uint32(countArgs(toks[i+1:])))))
			}
		case t.isString():
			a.MoveObject(iso.InternalizeString(t.text[1 : len(t.text)-1]).Value())
		case t.isNumber():
			f, err := strconv.ParseFloat(t.text, 64)
			if err == nil {
				a.MoveObject(iso.NewHeapNumber(f).Value())
				a.Call(stubs.GetCode(MakeStubKey(MajorToNumber, 0)))
			}
		case t.text == "+":
			a.Call(stubs.GetCode(MakeStubKey(MajorStringAdd, 0)))
		case t.text == "[":
			a.Call(iso.BuiltinCode(BuiltinKeyedLoadICMegamorphic))
		case t.text == "new":
			a.MoveExternal(heap.RelocRuntimeEntry, iso.RuntimeFunctionAddress("NewObject"))
		}
	}
	for _, sfi := range inner {
		a.MoveObject(sfi.Value())
		a.MoveExternal(heap.RelocRuntimeEntry, iso.RuntimeFunctionAddress("NewClosure"))
	}
	a.Call(iso.BuiltinCode(BuiltinInterruptCheck))
	a.Epilogue()
	a.JumpTable(loop, 0)
	return iso.NewCode(a.Desc(), heap.CodeHeader{
		Kind:         heap.FunctionCode,
		Flags:        heap.CodeFlagRelocInfoForSerialization,
		BuiltinIndex: heap.NoBuiltinIndex,
	})
}

// countArgs counts the arguments of the call whose "(" starts toks.
func countArgs(toks []token) int {
	depth, n := 0, 0
	for i, t := range toks {
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
			if depth == 0 {
				if i > 1 {
					n++
				}
				return n
			}
		case ",":
			if depth == 1 {
				n++
			}
		}
	}
	return n
}

func counterIndex(name string) int {
	for i, n := range CounterNames {
		if n == name {
			return i
		}
	}
	return 0
}
