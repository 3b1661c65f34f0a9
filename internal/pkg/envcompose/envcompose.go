// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package envcompose implements the final environment composition: a
// pure function from (current env, image env, site layers) to a new
// env sequence, kept separate from the side-effectful setenv/clearenv
// used at the process boundary so the composition itself is
// unit-testable.
package envcompose

import "strings"

// Layers groups the site environment layering lists applied after the
// image's own environment.
type Layers struct {
	SiteSet     []string
	SiteAppend  []string
	SitePrepend []string
	SiteUnset   []string
}

// udiRuntimeMarker is the non-overridable in-container marker
// variable: its presence tells in-container tooling it is running
// inside this runtime.
const udiRuntimeMarker = "UDI_RUNTIME=1"

// Compose layers processEnv (the invoker's environment), then
// imageEnv (replace), then layers.SiteSet (replace), then
// layers.SiteAppend (":"-join suffix), then layers.SitePrepend
// (":"-join prefix), then layers.SiteUnset (remove), and finally adds
// the non-overridable runtime marker.
func Compose(processEnv, imageEnv []string, layers Layers) []string {
	env := toMap(processEnv)
	var order []string
	for _, kv := range processEnv {
		if k, _, ok := split(kv); ok {
			order = appendOnce(order, k)
		}
	}

	applyReplace(env, &order, imageEnv)
	applyReplace(env, &order, layers.SiteSet)

	for _, kv := range layers.SiteAppend {
		k, v, ok := split(kv)
		if !ok {
			continue
		}
		if cur, exists := env[k]; exists {
			env[k] = cur + ":" + v
		} else {
			env[k] = v
			order = appendOnce(order, k)
		}
	}
	for _, kv := range layers.SitePrepend {
		k, v, ok := split(kv)
		if !ok {
			continue
		}
		if cur, exists := env[k]; exists {
			env[k] = v + ":" + cur
		} else {
			env[k] = v
			order = appendOnce(order, k)
		}
	}
	for _, k := range layers.SiteUnset {
		delete(env, k)
		order = removeKey(order, k)
	}

	out := make([]string, 0, len(order)+1)
	for _, k := range order {
		if v, ok := env[k]; ok {
			out = append(out, k+"="+v)
		}
	}
	out = append(out, udiRuntimeMarker)
	return out
}

// PropagatePath is invoked after chroot, before the final exec, to
// push the in-container PATH= into the live process environment so
// intermediate helpers resolve executables using the container's
// path.
func PropagatePath(composed []string) (key, value string, ok bool) {
	for _, kv := range composed {
		if k, v, match := split(kv); match && k == "PATH" {
			return k, v, true
		}
	}
	return "", "", false
}

func applyReplace(env map[string]string, order *[]string, kvs []string) {
	for _, kv := range kvs {
		k, v, ok := split(kv)
		if !ok {
			continue
		}
		if _, exists := env[k]; !exists {
			*order = appendOnce(*order, k)
		}
		env[k] = v
	}
}

func toMap(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	return m
}

func split(kv string) (key, value string, ok bool) {
	idx := strings.IndexByte(kv, '=')
	if idx < 0 {
		return "", "", false
	}
	return kv[:idx], kv[idx+1:], true
}

func appendOnce(order []string, k string) []string {
	for _, e := range order {
		if e == k {
			return order
		}
	}
	return append(order, k)
}

func removeKey(order []string, k string) []string {
	out := order[:0:0]
	for _, e := range order {
		if e != k {
			out = append(out, e)
		}
	}
	return out
}
