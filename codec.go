package dcache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"hash/fnv"
	"io"
	"reflect"
	"strings"
)

// Codec serializes values for the remote tier.
//
// Serialization format is a swappable external concern, the coordinator never
// inspects encoded bytes.
type Codec interface {
	Marshal(value interface{}) ([]byte, error)
	Unmarshal(data []byte) (interface{}, error)
}

// gobEnvelope carries an arbitrary registered value through gob.
type gobEnvelope struct {
	V interface{}
}

// GobCodec encodes values with encoding/gob.
//
// Concrete types crossing the wire must be registered with GobRegister.
type GobCodec struct{}

var _ Codec = GobCodec{}

// Marshal encodes value.
func (GobCodec) Marshal(value interface{}) ([]byte, error) {
	buf := bytes.Buffer{}

	if err := gob.NewEncoder(&buf).Encode(gobEnvelope{V: value}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes value.
func (GobCodec) Unmarshal(data []byte) (interface{}, error) {
	e := gobEnvelope{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, err
	}

	return e.V, nil
}

// JSONCodec encodes values with encoding/json.
//
// Type information is not preserved, decoded values are generic JSON shapes
// (map[string]interface{}, []interface{}, float64, string, bool, nil).
type JSONCodec struct{}

var _ Codec = JSONCodec{}

// Marshal encodes value.
func (JSONCodec) Marshal(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

// Unmarshal decodes value.
func (JSONCodec) Unmarshal(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	return v, nil
}

var gobTypesHash uint64

// GobTypesHashReset resets types hash to zero value.
func GobTypesHashReset() {
	gobTypesHash = 0
}

// GobTypesHash returns a fingerprint of a group of types to transfer.
//
// Nodes sharing one remote tier can compare fingerprints to detect structural
// drift of cached types between releases.
func GobTypesHash() uint64 {
	return gobTypesHash
}

// GobRegister enables cached type transferring.
func GobRegister(values ...interface{}) {
	for _, value := range values {
		h := fnv.New64()
		t := reflect.TypeOf(value)
		// nolint:errcheck // fnv.Write never returns an error.
		_, _ = h.Write([]byte(t.PkgPath() + t.String()))
		recursiveTypeHash(t, h, map[reflect.Type]bool{})
		gobTypesHash ^= h.Sum64()

		gob.Register(value)
	}
}

// recursiveTypeHash hashes type of value recursively to ensure structural match.
func recursiveTypeHash(t reflect.Type, h io.Writer, met map[reflect.Type]bool) {
	for {
		if t.Kind() != reflect.Ptr {
			break
		}

		t = t.Elem()
	}

	if met[t] {
		return
	}

	met[t] = true

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)

			// Skip unexported field.
			if f.Name != "" && (f.Name[0:1] == strings.ToLower(f.Name[0:1])) {
				continue
			}

			if !f.Anonymous {
				// nolint:errcheck // fnv.Write never returns an error.
				_, _ = h.Write([]byte(f.Name))
			}

			recursiveTypeHash(f.Type, h, met)
		}

	case reflect.Slice, reflect.Array:
		recursiveTypeHash(t.Elem(), h, met)
	case reflect.Map:
		recursiveTypeHash(t.Key(), h, met)
		recursiveTypeHash(t.Elem(), h, met)
	default:
		// nolint:errcheck // fnv.Write never returns an error.
		_, _ = h.Write([]byte(t.String()))
	}
}

// nolint:gochecknoinits // Registering types to a package level registry of "encoding/gob".
func init() {
	// Registering commonly used types.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}
