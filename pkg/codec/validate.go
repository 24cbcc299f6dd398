package codec

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultSeparator joins the "mesh" prefix, namespace and key
	DefaultSeparator = "."
	// DefaultMaxKeyLength bounds key and namespace length in bytes
	DefaultMaxKeyLength = 250
	// DefaultMaxValueSize bounds the serialized value size (1 MiB)
	DefaultMaxValueSize = 1024 * 1024
)

var (
	// ErrInvalidKey is returned when a key violates the key format rules
	ErrInvalidKey = errors.New("invalid mesh key")
	// ErrInvalidNamespace is returned when a namespace violates the format rules
	ErrInvalidNamespace = errors.New("invalid mesh namespace")
	// ErrValueTooLarge is returned when a serialized value exceeds the size limit
	ErrValueTooLarge = errors.New("mesh value too large")
)

// Validator enforces key format and value size rules.
type Validator struct {
	Separator    string
	MaxKeyLength int
	MaxValueSize int
}

// NewValidator returns a Validator with default limits.
func NewValidator() Validator {
	v := Validator{}
	v.SetDefaults()
	return v
}

// SetDefaults fills unset fields.
func (v *Validator) SetDefaults() {
	if v.Separator == "" {
		v.Separator = DefaultSeparator
	}
	if v.MaxKeyLength <= 0 {
		v.MaxKeyLength = DefaultMaxKeyLength
	}
	if v.MaxValueSize <= 0 {
		v.MaxValueSize = DefaultMaxValueSize
	}
}

// ValidateKey checks that key is non-empty, bounded, and uses only
// letters, digits and the characters _ - : . / other than the separator.
// Keys never contain the separator, so a root key cannot collide with a
// namespaced one.
func (v Validator) ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if len(key) > v.MaxKeyLength {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, v.MaxKeyLength)
	}
	if strings.Contains(key, v.Separator) {
		return fmt.Errorf("%w: key %q contains separator %q", ErrInvalidKey, key, v.Separator)
	}
	if i := strings.IndexFunc(key, func(r rune) bool { return !validKeyRune(r) }); i >= 0 {
		return fmt.Errorf("%w: illegal character %q in %q", ErrInvalidKey, key[i], key)
	}
	return nil
}

// ValidateNamespace checks a namespace. The empty namespace is the root and always valid.
// Like keys, namespaces may not contain the separator.
func (v Validator) ValidateNamespace(namespace string) error {
	if namespace == "" {
		return nil
	}
	if len(namespace) > v.MaxKeyLength {
		return fmt.Errorf("%w: namespace exceeds %d bytes", ErrInvalidNamespace, v.MaxKeyLength)
	}
	if strings.Contains(namespace, v.Separator) {
		return fmt.Errorf("%w: namespace %q contains separator %q", ErrInvalidNamespace, namespace, v.Separator)
	}
	if i := strings.IndexFunc(namespace, func(r rune) bool { return !validKeyRune(r) }); i >= 0 {
		return fmt.Errorf("%w: illegal character %q in %q", ErrInvalidNamespace, namespace[i], namespace)
	}
	return nil
}

// ValidateSize checks the serialized size of a value.
func (v Validator) ValidateSize(data []byte) error {
	if len(data) > v.MaxValueSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrValueTooLarge, len(data), v.MaxValueSize)
	}
	return nil
}

func validKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-', r == ':', r == '.', r == '/':
		return true
	}
	return false
}
