package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/4xmen/hamgam/internal/remote"
)

type leaf struct {
	path  string
	value string
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// flatten turns a JSON value into the scalar leaves stored below base.
// null, {} and [] produce no leaves.
func flatten(base string, raw []byte) ([]leaf, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}

	var out []leaf
	if err := walk(base, v, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(path string, v any, out *[]leaf) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, child := range t {
			if err := remote.ValidateKey(k); err != nil {
				return fmt.Errorf("%w: key under %q: %v", remote.ErrInvalidPath, path, err)
			}
			if err := walk(remote.Join(path, k), child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range t {
			if err := walk(remote.Join(path, strconv.Itoa(i)), child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		if path == "" {
			return fmt.Errorf("%w: scalar value at the root", remote.ErrInvalidPath)
		}
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		*out = append(*out, leaf{path: path, value: string(b)})
		return nil
	}
}

// assemble rebuilds the JSON value at base from its leaves. Objects whose keys
// are exactly 0..n-1 come back as arrays. No leaves means no value.
func assemble(base string, leaves []leaf) (json.RawMessage, error) {
	if len(leaves) == 0 {
		return nil, nil
	}

	root := make(map[string]any)
	for _, l := range leaves {
		if l.path == base {
			return json.RawMessage(l.value), nil
		}
		rel := l.path
		if base != "" {
			rel = strings.TrimPrefix(l.path, base+"/")
		}
		segs := strings.Split(rel, "/")
		node := root
		for _, s := range segs[:len(segs)-1] {
			child, ok := node[s].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[s] = child
			}
			node = child
		}
		node[segs[len(segs)-1]] = json.RawMessage(l.value)
	}

	return json.Marshal(arrayify(root))
}

func arrayify(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = arrayify(child)
	}
	for i := range len(m) {
		if _, ok := m[strconv.Itoa(i)]; !ok {
			return m
		}
	}
	arr := make([]any, len(m))
	for i := range arr {
		arr[i] = m[strconv.Itoa(i)]
	}
	return arr
}

// canonical re-encodes a value so that equal JSON compares equal byte-wise.
// Missing values canonicalize to null.
func canonical(raw []byte) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "null", nil
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return "", err
	}
	v = arrayify(v)
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if s := string(b); s == "{}" || s == "[]" {
		return "null", nil
	}
	return string(b), nil
}

// childKeys lists the distinct first segments below base.
func childKeys(base string, paths []string) []string {
	seen := make(map[string]struct{})
	for _, p := range paths {
		rel := p
		if base != "" {
			if !strings.HasPrefix(p, base+"/") {
				continue
			}
			rel = p[len(base)+1:]
		}
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			rel = rel[:i]
		}
		seen[rel] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
