package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrSchemaMismatch reports a guest value that does not match the contract.
var ErrSchemaMismatch = errors.New("guest value does not match contract schema")

var resolved sync.Map // reflect.Type -> *jsonschema.Resolved

// Schema returns the resolved schema for T, building and caching it on first
// use.
func Schema[T any]() (*jsonschema.Resolved, error) {
	key := reflect.TypeFor[T]()
	if cached, ok := resolved.Load(key); ok {
		return cached.(*jsonschema.Resolved), nil
	}
	s, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("infer schema for %s: %w", key, err)
	}
	r, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema for %s: %w", key, err)
	}
	actual, _ := resolved.LoadOrStore(key, r)
	return actual.(*jsonschema.Resolved), nil
}

// Decode validates raw against T's schema and decodes it, rejecting unknown
// fields. Every failure wraps ErrSchemaMismatch.
func Decode[T any](raw []byte) (T, error) {
	var out T
	r, err := Schema[T]()
	if err != nil {
		return out, err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return out, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if err := r.Validate(instance); err != nil {
		return out, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return out, nil
}

// Preload builds every contract schema so that a broken schema surfaces at
// component load time.
func Preload() error {
	loaders := []func() error{
		func() error { _, err := Schema[Request](); return err },
		func() error { _, err := Schema[Result](); return err },
		func() error { _, err := Schema[Validation](); return err },
		func() error { _, err := Schema[HealthStatus](); return err },
		func() error { _, err := Schema[ComponentInfo](); return err },
	}
	for _, load := range loaders {
		if err := load(); err != nil {
			return err
		}
	}
	return nil
}
