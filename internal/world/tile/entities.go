package tile

import (
	"fmt"
	"maps"

	"github.com/annel0/voxel-store/internal/ident"
)

// base хранит id и поля тега, которые сущность не разбирает,
// чтобы Save возвращал их без потерь.
type base struct {
	id    ident.Identifier
	extra map[string]any
}

func (b *base) ID() ident.Identifier { return b.id }

// Extra возвращает неразобранные поля тега.
func (b *base) Extra() map[string]any { return b.extra }

// load запоминает все поля, кроме id и known.
func (b *base) load(data map[string]any, known ...string) {
	b.extra = maps.Clone(data)
	delete(b.extra, IDField)
	for _, k := range known {
		delete(b.extra, k)
	}
}

func (b *base) save() map[string]any {
	out := maps.Clone(b.extra)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[IDField] = b.id.String()
	return out
}

func stringField(data map[string]any, key string) (string, error) {
	v, ok := data[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, want string", ErrMalformed, key, v)
	}
	return s, nil
}

// Sign - табличка с четырьмя строками текста.
type Sign struct {
	base
	Lines [4]string
}

// NewSign - Factory для табличек.
func NewSign(id ident.Identifier) Entity { return &Sign{base: base{id: id}} }

var signFields = [4]string{"Text1", "Text2", "Text3", "Text4"}

func (s *Sign) Load(data map[string]any) error {
	for i, key := range signFields {
		line, err := stringField(data, key)
		if err != nil {
			return err
		}
		s.Lines[i] = line
	}
	s.load(data, signFields[:]...)
	return nil
}

func (s *Sign) Save() map[string]any {
	out := s.save()
	for i, key := range signFields {
		out[key] = s.Lines[i]
	}
	return out
}

// Chest - сундук. Предметы остаются NBT-тегами.
type Chest struct {
	base
	CustomName string
	Items      []map[string]any
}

// NewChest - Factory для сундуков.
func NewChest(id ident.Identifier) Entity { return &Chest{base: base{id: id}} }

func (c *Chest) Load(data map[string]any) error {
	name, err := stringField(data, "CustomName")
	if err != nil {
		return err
	}
	c.CustomName = name
	c.Items = nil
	switch items := data["Items"].(type) {
	case nil:
	case []map[string]any:
		c.Items = append(c.Items, items...)
	case []any:
		for i, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: Items[%d] is %T", ErrMalformed, i, it)
			}
			c.Items = append(c.Items, m)
		}
	default:
		return fmt.Errorf("%w: Items is %T", ErrMalformed, items)
	}
	c.load(data, "CustomName", "Items")
	return nil
}

func (c *Chest) Save() map[string]any {
	out := c.save()
	if c.CustomName != "" {
		out["CustomName"] = c.CustomName
	}
	if len(c.Items) > 0 {
		items := make([]any, len(c.Items))
		for i, it := range c.Items {
			items[i] = it
		}
		out["Items"] = items
	}
	return out
}

// Unknown - сущность без типа. Тег сохраняется как есть, включая исходный id.
type Unknown struct {
	id   ident.Identifier
	data map[string]any
}

// NewUnknown - запасная Factory.
func NewUnknown(id ident.Identifier) Entity { return &Unknown{id: id} }

func (u *Unknown) ID() ident.Identifier { return u.id }

// Data возвращает тег сущности.
func (u *Unknown) Data() map[string]any { return u.data }

func (u *Unknown) Load(data map[string]any) error {
	u.data = maps.Clone(data)
	return nil
}

func (u *Unknown) Save() map[string]any {
	out := maps.Clone(u.data)
	if out == nil {
		out = make(map[string]any, 1)
	}
	if _, ok := out[IDField]; !ok {
		out[IDField] = u.id.String()
	}
	return out
}
