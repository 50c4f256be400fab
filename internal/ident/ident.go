// Package ident содержит пространственно-именованные идентификаторы вида
// "namespace:path", которыми адресуются блоки, измерения и реестры.
package ident

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrMalformed возвращается для пустых или некорректных строк.
var ErrMalformed = errors.New("malformed identifier")

// Identifier - неизменяемая пара (namespace, path).
// Хэш считается один раз при создании.
type Identifier struct {
	namespace string
	path      string
	full      string
	hash      uint64
}

// New создаёт идентификатор из namespace и path.
func New(namespace, path string) (Identifier, error) {
	if namespace == "" || path == "" {
		return Identifier{}, fmt.Errorf("%w: empty part in %q:%q", ErrMalformed, namespace, path)
	}
	if !validPart(namespace, false) || !validPart(path, true) {
		return Identifier{}, fmt.Errorf("%w: %s:%s", ErrMalformed, namespace, path)
	}
	full := namespace + ":" + path
	return Identifier{
		namespace: namespace,
		path:      path,
		full:      full,
		hash:      xxhash.Sum64String(full),
	}, nil
}

// Parse разбирает строку "ns:path". Разделитель должен встречаться ровно один раз.
func Parse(s string) (Identifier, error) {
	if s == "" {
		return Identifier{}, fmt.Errorf("%w: empty string", ErrMalformed)
	}
	ns, path, found := strings.Cut(s, ":")
	if !found {
		return Identifier{}, fmt.Errorf("%w: %q has no separator", ErrMalformed, s)
	}
	if strings.Contains(path, ":") {
		return Identifier{}, fmt.Errorf("%w: %q has more than one separator", ErrMalformed, s)
	}
	return New(ns, path)
}

// MustParse как Parse, но паникует при ошибке. Для констант и тестов.
func MustParse(s string) Identifier {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Namespace возвращает пространство имён.
func (id Identifier) Namespace() string { return id.namespace }

// Path возвращает путь.
func (id Identifier) Path() string { return id.path }

// String возвращает каноническую форму "namespace:path".
func (id Identifier) String() string { return id.full }

// Hash возвращает закэшированный xxhash канонической формы.
func (id Identifier) Hash() uint64 { return id.hash }

// IsZero сообщает, что идентификатор не был инициализирован.
func (id Identifier) IsZero() bool { return id.full == "" }

// Equal сравнивает идентификаторы по канонической форме.
func (id Identifier) Equal(other Identifier) bool {
	return id.hash == other.hash && id.full == other.full
}

// EqualString сравнивает идентификатор с сырой строкой без аллокаций.
func (id Identifier) EqualString(s string) bool {
	return id.full == s
}

// Compare упорядочивает идентификаторы лексикографически по канонической форме.
func (id Identifier) Compare(other Identifier) int {
	return strings.Compare(id.full, other.full)
}

// MarshalText реализует encoding.TextMarshaler.
func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.full), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler.
func (id *Identifier) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func validPart(s string, allowSlash bool) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		case r == '/' && allowSlash:
		default:
			return false
		}
	}
	return true
}
