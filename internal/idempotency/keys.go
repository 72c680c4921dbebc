package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/jmespath/go-jmespath"
)

const keySeparator = "#"

// Extractor evaluates an extraction expression against a decoded JSON document.
type Extractor interface {
	Search(expression string, document any) (any, error)
}

// JMESPathExtractor is the default Extractor. Compiled expressions are cached.
type JMESPathExtractor struct {
	compiled sync.Map // expression -> *jmespath.JMESPath
}

// Search implements Extractor.
func (e *JMESPathExtractor) Search(expression string, document any) (any, error) {
	if jp, ok := e.compiled.Load(expression); ok {
		return jp.(*jmespath.JMESPath).Search(document)
	}
	jp, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	e.compiled.Store(expression, jp)
	return jp.Search(document)
}

// KeyDeriver computes the idempotency key and payload fingerprint of a request payload.
type KeyDeriver struct {
	prefix               string
	keyExpression        string
	validationExpression string
	extractor            Extractor
}

// NewKeyDeriver returns a deriver. An empty keyExpression hashes the whole payload; an empty
// validationExpression disables payload fingerprints.
func NewKeyDeriver(prefix, keyExpression, validationExpression string, extractor Extractor) *KeyDeriver {
	if extractor == nil {
		extractor = &JMESPathExtractor{}
	}
	return &KeyDeriver{
		prefix:               prefix,
		keyExpression:        keyExpression,
		validationExpression: validationExpression,
		extractor:            extractor,
	}
}

// ValidationEnabled reports whether Derive produces payload fingerprints.
func (d *KeyDeriver) ValidationEnabled() bool { return d.validationExpression != "" }

// Derive returns the prefixed idempotency key and, when validation is enabled, the payload hash.
func (d *KeyDeriver) Derive(payload any) (key, payloadHash string, err error) {
	doc, err := toDocument(payload)
	if err != nil {
		return "", "", &KeyDerivationError{Expression: d.keyExpression, Err: err}
	}

	data := doc
	if d.keyExpression != "" {
		data, err = d.extractor.Search(d.keyExpression, doc)
		if err != nil {
			return "", "", &KeyDerivationError{Expression: d.keyExpression, Err: err}
		}
	}
	if isMissing(data) {
		return "", "", fmt.Errorf("%w: expression %q", ErrMissingKey, d.keyExpression)
	}

	h, err := Hash(data)
	if err != nil {
		return "", "", &KeyDerivationError{Expression: d.keyExpression, Err: err}
	}
	key = d.prefix + keySeparator + h

	if d.validationExpression != "" {
		sub, err := d.extractor.Search(d.validationExpression, doc)
		if err != nil {
			return "", "", &KeyDerivationError{Expression: d.validationExpression, Err: err}
		}
		if payloadHash, err = Hash(sub); err != nil {
			return "", "", &KeyDerivationError{Expression: d.validationExpression, Err: err}
		}
	}
	return key, payloadHash, nil
}

// Hash returns the hex SHA-256 of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize encodes a decoded JSON value with object keys sorted case-insensitively.
// Array order is preserved.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			li, lj := strings.ToLower(keys[i]), strings.ToLower(keys[j])
			if li != lj {
				return li < lj
			}
			return keys[i] < keys[j]
		})
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// json.Number marshals to its literal text
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// toDocument turns an arbitrary payload into the generic map/slice form the evaluator expects.
func toDocument(payload any) (any, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	// numbers stay json.Number so integers beyond 2^53 keep every digit
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("decode payload: trailing data after JSON value")
	}
	return doc, nil
}

// isMissing treats nil and lists made only of nils (e.g. a multi-select over absent fields)
// as no key.
func isMissing(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		for _, item := range t {
			if item != nil {
				return false
			}
		}
		return true
	}
	return false
}
