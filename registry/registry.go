// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package registry implements the index registry: a declarative,
// struct-tag-based builder standing in for class annotations. A reflective
// scanner that discovers tagged state types at startup belongs to the
// hosting runtime; this package is what that scanner calls into, once per
// declared interface.
package registry

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/couchbase/grainidx/bucket"
	"github.com/couchbase/grainidx/client"
	"github.com/couchbase/grainidx/common"
	"github.com/couchbase/grainidx/partition"
)

// Options supplies the configured defaults, hash partition count and
// date-time bin granularity, used whenever a tag doesn't override them.
type Options struct {
	Cfg           common.Config
	MaxBucketSize int
	Directory     bucket.Directory
	// Schemes lets the caller reuse a single named partition.Scheme instance
	// across multiple descriptors (so they share one set of buckets);
	// resolved by the tag's scheme= name (or "default-"+kind when the tag
	// sets none), falling back to a fresh scheme built from Cfg's defaults
	// when no scheme is registered under that name.
	Schemes map[string]partition.Scheme
}

// Entry is one declared grain interface's full set of indexes.
type Entry struct {
	InterfaceFullName string
	Descriptors       []common.IndexDescriptor
	Indexes           map[string]*client.Index // keyed by IndexDescriptor.Name
}

// Registry is the process-wide immutable map from interface full name to its
// Entry, built once via New.
type Registry struct {
	entries map[string]*Entry
}

// New builds the process-wide registry. Each indexable grain interface must
// map to exactly one indexed-state entry; a duplicate is a startup error.
func New(entries ...*Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		if _, dup := r.entries[e.InterfaceFullName]; dup {
			return nil, fmt.Errorf("registry: interface %s registered with more than one indexed-state type", e.InterfaceFullName)
		}
		r.entries[e.InterfaceFullName] = e
	}
	return r, nil
}

func (r *Registry) Lookup(interfaceFullName string) (*Entry, bool) {
	e, ok := r.entries[interfaceFullName]
	return e, ok
}

// tagSpec is one parsed `grainidx:"index,..."` struct tag.
type tagSpec struct {
	name    string
	kind    string // "hash" | "sorted"
	unique  bool
	eager   bool
	scheme  string
	maxSize int
	hasMax  bool
}

func parseTag(raw string) (tagSpec, bool, error) {
	parts := strings.Split(raw, ",")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) != "index" {
		return tagSpec{}, false, nil
	}
	spec := tagSpec{kind: "hash"}
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			return tagSpec{}, false, fmt.Errorf("registry: malformed tag segment %q in %q", p, raw)
		}
		key, val := kv[0], kv[1]
		switch key {
		case "name":
			spec.name = val
		case "kind":
			spec.kind = val
		case "unique":
			spec.unique = val == "true"
		case "eager":
			spec.eager = val == "true"
		case "scheme":
			spec.scheme = val
		case "maxBucketSize":
			n, err := strconv.Atoi(val)
			if err != nil {
				return tagSpec{}, false, fmt.Errorf("registry: invalid maxBucketSize %q: %w", val, err)
			}
			spec.maxSize, spec.hasMax = n, true
		default:
			return tagSpec{}, false, fmt.Errorf("registry: unknown tag key %q in %q", key, raw)
		}
	}
	return spec, true, nil
}

// BuildFromStruct parses every `grainidx:"index,..."` tag on protoType's
// fields, validates the set, and instantiates one client.Index per
// descriptor. Every declared index routes through client.Index regardless of
// partition count; a single-partition hash index is just an N=0 scheme whose
// every key lands in one bucket.
func BuildFromStruct(interfaceFullName string, protoType reflect.Type, opts Options) (*Entry, error) {
	if protoType.Kind() == reflect.Ptr {
		protoType = protoType.Elem()
	}
	if protoType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("registry: %s is not a struct type", protoType)
	}

	var descriptors []common.IndexDescriptor
	readers := make(map[string]common.PropertyReaderFunc)
	seenNames := make(map[string]bool)

	for i := 0; i < protoType.NumField(); i++ {
		f := protoType.Field(i)
		raw, ok := f.Tag.Lookup("grainidx")
		if !ok {
			continue
		}
		spec, isIndex, err := parseTag(raw)
		if err != nil {
			return nil, err
		}
		if !isIndex {
			continue
		}

		name := spec.name
		if name == "" {
			name = "_" + f.Name
		}
		if seenNames[name] {
			return nil, fmt.Errorf("registry: %s: duplicate index name %q", interfaceFullName, name)
		}
		seenNames[name] = true

		var kind common.IndexKind
		switch spec.kind {
		case "hash":
			kind = common.Hash
		case "sorted":
			kind = common.Sorted
		default:
			return nil, fmt.Errorf("registry: %s.%s: unknown kind %q", interfaceFullName, f.Name, spec.kind)
		}
		if kind == common.Sorted && spec.unique {
			return nil, fmt.Errorf("registry: %s.%s: sorted indexes cannot be declared unique", interfaceFullName, f.Name)
		}

		maxSize := opts.MaxBucketSize
		if spec.hasMax {
			maxSize = spec.maxSize
		}

		fieldIndex := f.Index
		readers[name] = func(state interface{}) *common.Value {
			v := reflect.ValueOf(state)
			if v.Kind() == reflect.Ptr {
				v = v.Elem()
			}
			fv := v.FieldByIndex(fieldIndex)
			return common.NewValue(fv.Interface())
		}

		schemeName := spec.scheme
		if schemeName == "" {
			schemeName = "default-" + spec.kind
		}

		descriptors = append(descriptors, common.IndexDescriptor{
			InterfaceFullName: interfaceFullName,
			Name:              name,
			Kind:              kind,
			KeyTypeName:       f.Type.String(),
			Unique:            spec.unique,
			Eager:             spec.eager,
			MaxBucketSize:     maxSize,
			PartitionScheme:   schemeName,
			Reader:            readers[name],
		})
	}

	if err := validateEagerness(interfaceFullName, descriptors); err != nil {
		return nil, err
	}

	indexes := make(map[string]*client.Index, len(descriptors))
	for _, d := range descriptors {
		scheme, err := resolveScheme(opts, d)
		if err != nil {
			return nil, err
		}
		if _, isDate := scheme.(*partition.DateTimeScheme); isDate && d.KeyTypeName != "time.Time" {
			return nil, fmt.Errorf("registry: %s.%s: date-time partition scheme %q requires a time.Time key, field is %s", interfaceFullName, d.Name, d.PartitionScheme, d.KeyTypeName)
		}
		idx, err := client.New(d, scheme, opts.Directory, opts.Cfg)
		if err != nil {
			return nil, fmt.Errorf("registry: %s.%s: %w", interfaceFullName, d.Name, err)
		}
		indexes[d.Name] = idx
	}

	return &Entry{InterfaceFullName: interfaceFullName, Descriptors: descriptors, Indexes: indexes}, nil
}

// validateEagerness enforces that every index declared on one indexed-state
// class shares the same eagerness, mixing is a startup error, plus the
// narrower rule that a unique index must be eager: deferring a uniqueness
// check to batched queue processing would let two grains both observe no
// conflict before either commits.
func validateEagerness(interfaceFullName string, descriptors []common.IndexDescriptor) error {
	if len(descriptors) == 0 {
		return nil
	}
	first := descriptors[0]
	for _, d := range descriptors[1:] {
		if d.Eager != first.Eager {
			return fmt.Errorf("registry: %s: mixed eagerness (index %q eager=%v, index %q eager=%v) within one indexed-state class is not allowed", interfaceFullName, first.Name, first.Eager, d.Name, d.Eager)
		}
	}
	for _, d := range descriptors {
		if d.Unique && !d.Eager {
			return fmt.Errorf("registry: %s.%s: a unique index must be eager", interfaceFullName, d.Name)
		}
	}
	return nil
}

func resolveScheme(opts Options, d common.IndexDescriptor) (partition.Scheme, error) {
	if s, ok := opts.Schemes[d.PartitionScheme]; ok {
		return s, nil
	}
	switch d.Kind {
	case common.Hash:
		n := opts.Cfg.Uint32("IndexingSystem.DefaultMaxHashIndexPartitions")
		return partition.NewHashScheme(d.PartitionScheme, n), nil
	case common.Sorted:
		bin := opts.Cfg.DateBin("IndexingSystem.DefaultDateTimePartitionBin")
		return partition.NewDateTimeScheme(d.PartitionScheme, bin), nil
	default:
		return nil, fmt.Errorf("registry: %s: unknown index kind", d.Name)
	}
}
