package registry

import "github.com/annel0/voxel-store/internal/ident"

// Стандартные измерения.
var (
	DimensionRegistryName = ident.MustParse("minecraft:dimension")

	Overworld = ident.MustParse("minecraft:overworld")
	Nether    = ident.MustParse("minecraft:the_nether")
	End       = ident.MustParse("minecraft:the_end")
)

// Dimensions возвращает реестр измерений по умолчанию:
// overworld 0, the_nether 1, the_end 2.
func Dimensions() *Registry {
	r, err := NewBuilder(DimensionRegistryName).
		MustRegister(Overworld, 0).
		MustRegister(Nether, 1).
		MustRegister(End, 2).
		Build()
	if err != nil {
		panic(err)
	}
	return r
}
