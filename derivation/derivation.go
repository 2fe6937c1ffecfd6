// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package derivation implements Nix store derivations: the ATerm text
// encoding of a ".drv" file, its daemon wire encoding for direct builds,
// and the derived-path notation used to name what a build produces.
package derivation

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"strings"

	"go.nixrs.dev/nixrs/contentaddress"
	"go.nixrs.dev/nixrs/internal/aterm"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/sortedset"
	"go.nixrs.dev/nixrs/storepath"
	"go.nixrs.dev/nixrs/wire"
)

// DefaultOutputName is the name of a derivation's primary output, omitted
// in a number of contexts.
const DefaultOutputName = "out"

// Output describes the content-addressing scheme of one output of a
// derivation.
type Output struct {
	// Fixed is set for a fixed-output derivation: the output's content
	// address is known in advance and must match once built.
	Fixed contentaddress.ContentAddress
	// FloatingMethod and FloatingAlgo are set for a floating
	// content-addressed output: the method and hash algorithm to use once
	// the output is realized, its address not being known until then.
	FloatingMethod contentaddress.Method
	FloatingAlgo   nixhash.Algorithm
}

// IsFixed reports whether out is a fixed-output derivation output.
func (out Output) IsFixed() bool { return !out.Fixed.IsZero() }

// IsFloating reports whether out's content address is unknown until the
// derivation is realized.
func (out Output) IsFloating() bool { return out.Fixed.IsZero() && out.FloatingAlgo != 0 }

// IsInputAddressed reports whether out has neither a fixed nor a
// floating content address, meaning its path is derived from the
// derivation's own inputs rather than its output's contents.
func (out Output) IsInputAddressed() bool { return out.Fixed.IsZero() && out.FloatingAlgo == 0 }

// Path returns the store path of a fixed output named outName belonging
// to the derivation named drvName in dir. It returns ok == false for any
// output whose path is not knowable without realizing the derivation.
func (out Output) Path(dir storepath.Dir, drvName, outName string) (p storepath.Path, ok bool) {
	if !out.IsFixed() {
		return "", false
	}
	name := drvName
	if outName != DefaultOutputName {
		name += "-" + outName
	}
	p, err := contentaddress.MakeStorePath(dir, out.Fixed, name)
	return p, err == nil
}

// Derivation is a parsed store derivation: a single, specific, constant
// build action along with the inputs it requires and the outputs it
// produces.
type Derivation struct {
	Dir     storepath.Dir
	Name    string
	System  string
	Builder string
	Args    []string
	Env     map[string]string

	InputSources     sortedset.Set[storepath.Path]
	InputDerivations map[storepath.Path]*sortedset.Set[string]
	Outputs          map[string]Output
}

// References returns the set of store paths the derivation depends on:
// its input sources plus its input derivations' own paths (not their
// outputs, which do not exist until built).
func (drv *Derivation) References() []storepath.Path {
	refs := make([]storepath.Path, 0, drv.InputSources.Len()+len(drv.InputDerivations))
	for i := 0; i < drv.InputSources.Len(); i++ {
		refs = append(refs, drv.InputSources.At(i))
	}
	for p := range drv.InputDerivations {
		refs = append(refs, p)
	}
	slices.SortFunc(refs, func(a, b storepath.Path) int { return a.Compare(b) })
	return refs
}

// Path computes the derivation's own store path: a text
// content-addressed path addressing the ATerm-encoded text of the derivation itself.
func (drv *Derivation) Path() (storepath.Path, []byte, error) {
	data, err := drv.MarshalText()
	if err != nil {
		return "", nil, err
	}
	ctx := nixhash.NewContext(nixhash.SHA256)
	ctx.Write(data)
	ca := contentaddress.NewText(ctx.Sum())
	p, err := contentaddress.MakeStorePath(drv.Dir, ca, drv.Name+storepath.DerivationExt)
	return p, data, err
}

// MarshalText renders the derivation in ATerm format, matching the
// "Derive(...)" encoding the reference daemon reads and writes for
// ".drv" files.
func (drv *Derivation) MarshalText() ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("marshal derivation: missing name")
	}
	if drv.Dir == "" {
		return nil, fmt.Errorf("marshal %s derivation: missing store directory", drv.Name)
	}

	var buf []byte
	buf = append(buf, "Derive(["...)
	for i, outName := range sortedKeys(drv.Outputs) {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = marshalOutput(buf, drv.Outputs[outName], drv.Dir, drv.Name, outName)
		if err != nil {
			return nil, fmt.Errorf("marshal %s derivation: %w", drv.Name, err)
		}
	}

	buf = append(buf, "],["...)
	for i, drvPath := range sortedKeys(drv.InputDerivations) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, string(drvPath))
		buf = append(buf, ",["...)
		outputs := drv.InputDerivations[drvPath]
		for j := 0; j < outputs.Len(); j++ {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, outputs.At(j))
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	for i := 0; i < drv.InputSources.Len(); i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, string(drv.InputSources.At(i)))
	}

	buf = append(buf, "],"...)
	buf = aterm.AppendString(buf, drv.System)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}

	buf = append(buf, "],["...)
	for i, k := range sortedKeys(drv.Env) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)

	return buf, nil
}

func marshalOutput(dst []byte, out Output, dir storepath.Dir, drvName, outName string) ([]byte, error) {
	dst = append(dst, '(')
	dst = aterm.AppendString(dst, outName)
	switch {
	case out.IsFixed():
		dst = append(dst, ',')
		p, ok := out.Path(dir, drvName, outName)
		if !ok {
			return dst, fmt.Errorf("output %q: cannot compute path", outName)
		}
		dst = aterm.AppendString(dst, string(p))
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, methodAlgoString(methodOf(out.Fixed), out.Fixed.Hash().Algorithm()))
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, out.Fixed.Hash().Base16())
	case out.IsFloating():
		dst = append(dst, `,"",`...)
		dst = aterm.AppendString(dst, methodAlgoString(out.FloatingMethod, out.FloatingAlgo))
		dst = append(dst, `,""`...)
	default:
		dst = append(dst, `,"","","")`...)
		return dst, nil
	}
	dst = append(dst, ')')
	return dst, nil
}

func methodOf(ca contentaddress.ContentAddress) contentaddress.Method {
	return ca.Method()
}

func methodAlgoString(method contentaddress.Method, algo nixhash.Algorithm) string {
	switch method {
	case contentaddress.Recursive:
		return "r:" + algo.String()
	case contentaddress.Text:
		return "text:" + algo.String()
	default:
		return algo.String()
	}
}

// ParseText parses a derivation's ATerm-encoded text, naming it as the
// given store directory and name (the caller typically derives these
// from the ".drv" store path it was read from).
func ParseText(dir storepath.Dir, name string, data []byte) (*Derivation, error) {
	return parseDerivation(dir, name, data)
}

// parseDerivation performs a direct textual parse of the "Derive([...])"
// form, since aterm.Scanner expects quoted strings and the leading
// function-call syntax ("Derive(") is bespoke to derivations.
func parseDerivation(dir storepath.Dir, name string, data []byte) (*Derivation, error) {
	drv := &Derivation{
		Dir:              dir,
		Name:             name,
		Env:              map[string]string{},
		InputDerivations: map[storepath.Path]*sortedset.Set[string]{},
		Outputs:          map[string]Output{},
	}
	rest, ok := bytes.CutPrefix(data, []byte("Derive(["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: missing header", name)
	}

	for {
		var done bool
		rest, done = cutPrefixOnce(rest, "]")
		if done {
			break
		}
		var outName string
		var out Output
		var err error
		outName, out, rest, err = parseOutput(rest)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: %w", name, err)
		}
		drv.Outputs[outName] = out
	}

	rest, ok = bytes.CutPrefix(rest, []byte(",["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected input derivation list", name)
	}
	for {
		var done bool
		rest, done = cutPrefixOnce(rest, "]")
		if done {
			break
		}
		rest, ok = bytes.CutPrefix(rest, []byte("("))
		if !ok {
			return nil, fmt.Errorf("parse %s derivation: expected input derivation tuple", name)
		}
		var pathStr string
		pathStr, rest, err := parseATermString(rest)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: input path: %w", name, err)
		}
		p, err := storepath.Parse(pathStr)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: input path: %w", name, err)
		}
		rest, ok = bytes.CutPrefix(rest, []byte(",["))
		if !ok {
			return nil, fmt.Errorf("parse %s derivation: expected input output list", name)
		}
		outs := new(sortedset.Set[string])
		for {
			var innerDone bool
			rest, innerDone = cutPrefixOnce(rest, "]")
			if innerDone {
				break
			}
			var outName string
			outName, rest, err = parseATermString(rest)
			if err != nil {
				return nil, fmt.Errorf("parse %s derivation: input output name: %w", name, err)
			}
			outs.Add(outName)
			rest = bytes.TrimPrefix(rest, []byte(","))
		}
		rest, ok = bytes.CutPrefix(rest, []byte(")"))
		if !ok {
			return nil, fmt.Errorf("parse %s derivation: expected ')' after input outputs", name)
		}
		drv.InputDerivations[p] = outs
		rest = bytes.TrimPrefix(rest, []byte(","))
	}

	rest, ok = bytes.CutPrefix(rest, []byte(",["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected input source list", name)
	}
	for {
		var done bool
		rest, done = cutPrefixOnce(rest, "]")
		if done {
			break
		}
		var pathStr string
		var err error
		pathStr, rest, err = parseATermString(rest)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: input source: %w", name, err)
		}
		p, err := storepath.Parse(pathStr)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: input source: %w", name, err)
		}
		drv.InputSources.Add(p)
	}

	rest, ok = bytes.CutPrefix(rest, []byte(","))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ',' before system", name)
	}
	var err error
	drv.System, rest, err = parseATermString(rest)
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: system: %w", name, err)
	}
	rest, ok = bytes.CutPrefix(rest, []byte(","))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ',' before builder", name)
	}
	drv.Builder, rest, err = parseATermString(rest)
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: builder: %w", name, err)
	}

	rest, ok = bytes.CutPrefix(rest, []byte(",["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected args list", name)
	}
	for {
		var done bool
		rest, done = cutPrefixOnce(rest, "]")
		if done {
			break
		}
		var arg string
		arg, rest, err = parseATermString(rest)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: arg: %w", name, err)
		}
		drv.Args = append(drv.Args, arg)
	}

	rest, ok = bytes.CutPrefix(rest, []byte(",["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected env list", name)
	}
	for {
		var done bool
		rest, done = cutPrefixOnce(rest, "]")
		if done {
			break
		}
		rest, ok = bytes.CutPrefix(rest, []byte("("))
		if !ok {
			return nil, fmt.Errorf("parse %s derivation: expected env tuple", name)
		}
		var k, v string
		k, rest, err = parseATermString(rest)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: env key: %w", name, err)
		}
		rest, ok = bytes.CutPrefix(rest, []byte(","))
		if !ok {
			return nil, fmt.Errorf("parse %s derivation: expected ',' in env tuple", name)
		}
		v, rest, err = parseATermString(rest)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: env value: %w", name, err)
		}
		rest, ok = bytes.CutPrefix(rest, []byte(")"))
		if !ok {
			return nil, fmt.Errorf("parse %s derivation: expected ')' after env value", name)
		}
		drv.Env[k] = v
		rest = bytes.TrimPrefix(rest, []byte(","))
	}

	rest, ok = bytes.CutPrefix(rest, []byte(")"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected trailing ')'", name)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("parse %s derivation: trailing data", name)
	}
	return drv, nil
}

func cutPrefixOnce(data []byte, prefix string) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(data, []byte(prefix))
	if ok {
		return rest, true
	}
	return bytes.TrimPrefix(data, []byte(",")), false
}

func parseOutput(data []byte) (outName string, out Output, tail []byte, err error) {
	data, ok := bytes.CutPrefix(data, []byte("("))
	if !ok {
		return "", out, data, fmt.Errorf("expected '(' before output")
	}
	outName, data, err = parseATermString(data)
	if err != nil {
		return "", out, data, fmt.Errorf("output name: %w", err)
	}
	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return outName, out, data, fmt.Errorf("%s: expected ',' after name", outName)
	}
	_, data, err = parseATermString(data) // path, recomputed rather than trusted
	if err != nil {
		return outName, out, data, fmt.Errorf("%s: path: %w", outName, err)
	}
	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return outName, out, data, fmt.Errorf("%s: expected ',' after path", outName)
	}
	methodAlgo, data, err := parseATermString(data)
	if err != nil {
		return outName, out, data, fmt.Errorf("%s: hash algorithm: %w", outName, err)
	}
	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return outName, out, data, fmt.Errorf("%s: expected ',' after hash algorithm", outName)
	}
	hashHex, data, err := parseATermString(data)
	if err != nil {
		return outName, out, data, fmt.Errorf("%s: hash: %w", outName, err)
	}
	data, ok = bytes.CutPrefix(data, []byte(")"))
	if !ok {
		return outName, out, data, fmt.Errorf("%s: expected ')' after hash", outName)
	}
	data = bytes.TrimPrefix(data, []byte(","))

	if methodAlgo == "" && hashHex == "" {
		return outName, Output{}, data, nil
	}
	method := contentaddress.Flat
	rest := methodAlgo
	if r, ok := strings.CutPrefix(rest, "r:"); ok {
		method = contentaddress.Recursive
		rest = r
	} else if r, ok := strings.CutPrefix(rest, "text:"); ok {
		method = contentaddress.Text
		rest = r
	}
	algo, err := nixhash.ParseAlgorithm(rest)
	if err != nil {
		return outName, out, data, fmt.Errorf("%s: hash algorithm: %w", outName, err)
	}
	if hashHex == "" {
		return outName, Output{FloatingMethod: method, FloatingAlgo: algo}, data, nil
	}
	h, err := nixhash.ParseAny(hashHex, algo)
	if err != nil {
		return outName, out, data, fmt.Errorf("%s: hash: %w", outName, err)
	}
	var ca contentaddress.ContentAddress
	switch method {
	case contentaddress.Text:
		ca = contentaddress.NewText(h)
	case contentaddress.Recursive:
		ca = contentaddress.NewRecursive(h)
	default:
		ca = contentaddress.NewFlat(h)
	}
	return outName, Output{Fixed: ca}, data, nil
}

// parseATermString reads one ATerm double-quoted string from the front
// of data, returning the decoded value and the remaining bytes.
func parseATermString(data []byte) (string, []byte, error) {
	s := aterm.NewScanner(bytes.NewReader(data))
	tok, err := s.ReadToken()
	if err != nil {
		return "", data, err
	}
	if tok.Kind != aterm.String {
		return "", data, fmt.Errorf("expected string, got %v", tok)
	}
	// The scanner consumed exactly one string token; recover how many
	// bytes that used by re-encoding it, since aterm.Scanner does not
	// expose a byte offset.
	consumed := len(aterm.AppendString(nil, tok.Value))
	// Escaped characters can make the encoded form longer than what was
	// actually consumed if re-encoding chose the same escapes, which it
	// always does here since AppendString is deterministic; but the
	// original may have had no escapes for a character AppendString always
	// escapes identically. This holds because AppendString's escaping
	// rules exactly match parseString's unescaping rules.
	return tok.Value, data[consumed:], nil
}

func sortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// BasicDerivation is the subset of a Derivation sent over the wire by
// the BuildDerivation operation: the derivation's own content, without
// requiring it to already be registered in the store.
type BasicDerivation struct {
	Outputs  map[string]Output
	InputSrcs []storepath.Path
	Platform string
	Builder  string
	Args     []string
	Env      map[string]string
}

// WriteBasic wire-encodes drv for the BuildDerivation operation.
func WriteBasic(w *wire.Writer, drv BasicDerivation) error {
	names := sortedKeys(drv.Outputs)
	if err := w.Uint64(uint64(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		out := drv.Outputs[name]
		if err := w.String(name); err != nil {
			return err
		}
		path := ""
		method, algo, hashHex := "", "", ""
		if out.IsFixed() {
			method = methodAlgoString(out.Fixed.Method(), out.Fixed.Hash().Algorithm())
			hashHex = out.Fixed.Hash().Base16()
		} else if out.IsFloating() {
			method = methodAlgoString(out.FloatingMethod, out.FloatingAlgo)
		}
		algo = method
		if err := w.String(path); err != nil {
			return err
		}
		if err := w.String(algo); err != nil {
			return err
		}
		if err := w.String(hashHex); err != nil {
			return err
		}
	}
	if err := w.Uint64(uint64(len(drv.InputSrcs))); err != nil {
		return err
	}
	for _, p := range drv.InputSrcs {
		if err := w.String(string(p)); err != nil {
			return err
		}
	}
	if err := w.String(drv.Platform); err != nil {
		return err
	}
	if err := w.String(drv.Builder); err != nil {
		return err
	}
	if err := w.Uint64(uint64(len(drv.Args))); err != nil {
		return err
	}
	for _, a := range drv.Args {
		if err := w.String(a); err != nil {
			return err
		}
	}
	envKeys := make([]string, 0, len(drv.Env))
	for k := range drv.Env {
		envKeys = append(envKeys, k)
	}
	slices.Sort(envKeys)
	if err := w.Uint64(uint64(len(envKeys))); err != nil {
		return err
	}
	for _, k := range envKeys {
		if err := w.String(k); err != nil {
			return err
		}
		if err := w.String(drv.Env[k]); err != nil {
			return err
		}
	}
	return nil
}

// ReadBasic decodes a BasicDerivation from the wire, as received by a
// daemon implementing BuildDerivation.
func ReadBasic(r *wire.Reader) (BasicDerivation, error) {
	var drv BasicDerivation
	n, err := r.Uint64()
	if err != nil {
		return drv, err
	}
	drv.Outputs = make(map[string]Output, n)
	for i := uint64(0); i < n; i++ {
		name, err := r.String()
		if err != nil {
			return drv, err
		}
		if _, err := r.String(); err != nil { // path, recomputed rather than trusted
			return drv, err
		}
		methodAlgo, err := r.String()
		if err != nil {
			return drv, err
		}
		hashHex, err := r.String()
		if err != nil {
			return drv, err
		}
		if methodAlgo == "" {
			drv.Outputs[name] = Output{}
			continue
		}
		method := contentaddress.Flat
		rest := methodAlgo
		if r2, ok := strings.CutPrefix(rest, "r:"); ok {
			method = contentaddress.Recursive
			rest = r2
		} else if r2, ok := strings.CutPrefix(rest, "text:"); ok {
			method = contentaddress.Text
			rest = r2
		}
		algo, err := nixhash.ParseAlgorithm(rest)
		if err != nil {
			return drv, err
		}
		if hashHex == "" {
			drv.Outputs[name] = Output{FloatingMethod: method, FloatingAlgo: algo}
			continue
		}
		h, err := nixhash.ParseAny(hashHex, algo)
		if err != nil {
			return drv, err
		}
		var ca contentaddress.ContentAddress
		switch method {
		case contentaddress.Text:
			ca = contentaddress.NewText(h)
		case contentaddress.Recursive:
			ca = contentaddress.NewRecursive(h)
		default:
			ca = contentaddress.NewFlat(h)
		}
		drv.Outputs[name] = Output{Fixed: ca}
	}

	srcN, err := r.Uint64()
	if err != nil {
		return drv, err
	}
	drv.InputSrcs = make([]storepath.Path, srcN)
	for i := range drv.InputSrcs {
		s, err := r.String()
		if err != nil {
			return drv, err
		}
		p, err := storepath.Parse(s)
		if err != nil {
			return drv, err
		}
		drv.InputSrcs[i] = p
	}

	if drv.Platform, err = r.String(); err != nil {
		return drv, err
	}
	if drv.Builder, err = r.String(); err != nil {
		return drv, err
	}
	argN, err := r.Uint64()
	if err != nil {
		return drv, err
	}
	drv.Args = make([]string, argN)
	for i := range drv.Args {
		if drv.Args[i], err = r.String(); err != nil {
			return drv, err
		}
	}
	envN, err := r.Uint64()
	if err != nil {
		return drv, err
	}
	drv.Env = make(map[string]string, envN)
	for i := uint64(0); i < envN; i++ {
		k, err := r.String()
		if err != nil {
			return drv, err
		}
		v, err := r.String()
		if err != nil {
			return drv, err
		}
		drv.Env[k] = v
	}
	return drv, nil
}

// DerivedPath names either a store path directly (the Opaque form) or
// one or more outputs of a derivation still to be built or substituted
// (the Built form).
type DerivedPath struct {
	Path storepath.Path
	// Outputs is nil for the Opaque form and for the all-outputs form,
	// which sets AllOutputs instead; otherwise it names specific output
	// names.
	Outputs    []string
	AllOutputs bool
}

// Opaque returns the DerivedPath naming path directly.
func Opaque(path storepath.Path) DerivedPath {
	return DerivedPath{Path: path}
}

// Built returns the DerivedPath requesting the given outputs of the
// derivation at drvPath.
func Built(drvPath storepath.Path, outputs ...string) DerivedPath {
	return DerivedPath{Path: drvPath, Outputs: outputs}
}

// BuiltAll returns the DerivedPath requesting every output of the
// derivation at drvPath.
func BuiltAll(drvPath storepath.Path) DerivedPath {
	return DerivedPath{Path: drvPath, AllOutputs: true}
}

// IsOpaque reports whether p names a store path directly, with no
// associated output selection.
func (p DerivedPath) IsOpaque() bool { return p.Outputs == nil && !p.AllOutputs }

// String renders p in the daemon's "<path>" or "<path>!<out1>,<out2>" or
// "<path>!*" notation.
func (p DerivedPath) String() string {
	if p.IsOpaque() {
		return string(p.Path)
	}
	if p.AllOutputs {
		return string(p.Path) + "!*"
	}
	return string(p.Path) + "!" + strings.Join(p.Outputs, ",")
}

// ParseDerivedPath parses the "<path>" or "<path>!<outputs>" notation.
func ParseDerivedPath(s string) (DerivedPath, error) {
	pathStr, rest, hasOutputs := strings.Cut(s, "!")
	path, err := storepath.Parse(pathStr)
	if err != nil {
		return DerivedPath{}, fmt.Errorf("parse derived path %q: %w", s, err)
	}
	if !hasOutputs {
		return Opaque(path), nil
	}
	if rest == "*" {
		return BuiltAll(path), nil
	}
	if rest == "" {
		return DerivedPath{}, fmt.Errorf("parse derived path %q: empty output list", s)
	}
	return Built(path, strings.Split(rest, ",")...), nil
}

// HashPlaceholder returns the placeholder string substituted into a
// derivation's environment in place of outputName's final path, used
// until that path is known (e.g. because it is floating content-addressed).
func HashPlaceholder(outputName string) string {
	ctx := nixhash.NewContext(nixhash.SHA256)
	ctx.WriteString("nix-output:")
	ctx.WriteString(outputName)
	return "/" + ctx.Sum().Base32()
}

// UnknownCAOutputPlaceholder returns the placeholder for an unknown
// output of a content-addressed derivation referenced from a downstream
// derivation, before that output has been realized.
func UnknownCAOutputPlaceholder(drvPath storepath.Path, outputName string) string {
	drvName := drvPath.NameFromDerivation()
	ctx := nixhash.NewContext(nixhash.SHA256)
	ctx.WriteString("nix-upstream-output:")
	ctx.WriteString(drvPath.Digest())
	ctx.WriteString(":")
	ctx.WriteString(drvName)
	if outputName != DefaultOutputName {
		ctx.WriteString("-")
		ctx.WriteString(outputName)
	}
	return "/" + ctx.Sum().Base32()
}

