package sandbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	xerrors "ExtensionHost/internal/errors"
)

// Program is the compiled Lua code of one plugin package. Prototypes are immutable and
// shared by every invocation; each invocation gets its own interpreter state.
type Program struct {
	slug   string
	entry  string
	protos map[string]*lua.FunctionProto

	// id and sources let a worker process rebuild the same program.
	id      string
	sources map[string][]byte
}

// HandlerRef locates a global function. An empty File means the package entry.
type HandlerRef struct {
	File     string `json:"file,omitempty"`
	Function string `json:"function"`
}

func (h HandlerRef) String() string {
	if h.File == "" {
		return h.Function
	}
	return h.File + ":" + h.Function
}

// Compile parses and compiles every .lua file in files. No plugin code runs.
func Compile(slug, entry string, files map[string][]byte) (*Program, error) {
	if _, ok := files[entry]; !ok {
		return nil, xerrors.New(xerrors.CodeLoaderError, fmt.Sprintf("entry %q not found in package", entry))
	}
	prog := &Program{
		slug:    slug,
		entry:   entry,
		protos:  make(map[string]*lua.FunctionProto),
		sources: make(map[string][]byte),
	}
	names := make([]string, 0, len(files))
	for name := range files {
		if path.Ext(name) == ".lua" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	sum := sha256.New()
	fmt.Fprintf(sum, "%s\x00%s\x00", slug, entry)
	for _, name := range names {
		chunk, err := parse.Parse(bytes.NewReader(files[name]), name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeLoaderError, err, fmt.Sprintf("syntax error in %s", name))
		}
		proto, err := lua.Compile(chunk, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeLoaderError, err, fmt.Sprintf("compile %s", name))
		}
		prog.protos[name] = proto
		prog.sources[name] = bytes.Clone(files[name])
		fmt.Fprintf(sum, "%s\x00%d\x00", name, len(files[name]))
		sum.Write(files[name])
	}
	prog.id = hex.EncodeToString(sum.Sum(nil))
	return prog, nil
}

// Slug returns the plugin slug the program belongs to.
func (p *Program) Slug() string { return p.slug }

// Entry returns the entry file name.
func (p *Program) Entry() string { return p.entry }

// Has reports whether file was compiled into the program.
func (p *Program) Has(file string) bool {
	_, ok := p.protos[file]
	return ok
}

func (p *Program) resolve(ref HandlerRef) (string, *lua.FunctionProto, bool) {
	file := ref.File
	if file == "" {
		file = p.entry
	}
	proto, ok := p.protos[file]
	return file, proto, ok
}

// moduleFile maps a require name such as "lib.util" to "lib/util.lua".
func moduleFile(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ".lua"
}
