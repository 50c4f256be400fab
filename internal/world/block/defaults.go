package block

import "github.com/annel0/voxel-store/internal/ident"

// Стандартные блоки
var (
	Stone   = ident.MustParse("minecraft:stone")
	Grass   = ident.MustParse("minecraft:grass")
	Dirt    = ident.MustParse("minecraft:dirt")
	Bedrock = ident.MustParse("minecraft:bedrock")
	Water   = ident.MustParse("minecraft:water")
	Sand    = ident.MustParse("minecraft:sand")
	Log     = ident.MustParse("minecraft:log")
	Leaves  = ident.MustParse("minecraft:leaves")
	Chest   = ident.MustParse("minecraft:chest")
	Cactus  = ident.MustParse("minecraft:cactus")
)

// defaultDefinitions - набор блоков по умолчанию с классическими legacy id.
var defaultDefinitions = []Definition{
	{ID: Air.String(), LegacyID: 0},
	{ID: Stone.String(), LegacyID: 1, Metas: []int{0, 1, 2, 3, 4, 5, 6}},
	{ID: Grass.String(), LegacyID: 2},
	{ID: Dirt.String(), LegacyID: 3, Metas: []int{0, 1, 2}},
	{ID: Bedrock.String(), LegacyID: 7},
	{ID: Water.String(), LegacyID: 9, Metas: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}},
	{ID: Sand.String(), LegacyID: 12, Metas: []int{0, 1}},
	{ID: Log.String(), LegacyID: 17, Metas: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}},
	{ID: Leaves.String(), LegacyID: 18, Metas: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}},
	{ID: Chest.String(), LegacyID: 54, Metas: []int{2, 3, 4, 5}},
	{ID: Cactus.String(), LegacyID: 81, Metas: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}},
}

// Defaults возвращает реестр со стандартным набором блоков.
func Defaults() *Registry {
	r, err := FromDefinitions(defaultDefinitions)
	if err != nil {
		panic(err)
	}
	return r
}
