package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/world"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// ErrCorrupt - блоб секции повреждён или записан неизвестной версией.
var ErrCorrupt = errors.New("storage: corrupt section data")

// CodecVersion - версия формата блоба секции.
const CodecVersion = 1

const (
	flagSkyLight = 1 << 0

	checksumLen = 8
	// Предел распакованного блоба: 16 слоёв, свет и запас под блочные сущности.
	maxDecodedSize = 64 << 20
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
)

// paletteEntry - состояние блока в палитре. Runtime id не сохраняются:
// они зависят от реестра конкретного процесса.
type paletteEntry struct {
	Name string `nbt:"name"`
	Val  int32  `nbt:"val"`
}

type palette struct {
	Entries []paletteEntry `nbt:"palette"`
}

// EncodeSection сериализует содержимое секции.
//
// Формат (до сжатия):
//
//	version u8 | flags u8 | layers u8
//	palette: u32 длина + NBT (little-endian)
//	на каждый слой: u8 признак + 4096 x u16 индексов палитры
//	блочный свет 2048 байт, небесный свет 2048 байт при flagSkyLight
//	блочные сущности: u32 длина + NBT-составные теги с x/y/z
//
// Результат сжат zstd и дополнен xxhash64 сжатых данных.
func EncodeSection(d world.SectionData, reg *block.Registry) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(d.Layers)*world.SectionVolume*2+world.NibbleArrayLen*2))

	var flags byte
	if d.SkyLight != nil {
		flags |= flagSkyLight
	}
	buf.WriteByte(CodecVersion)
	buf.WriteByte(flags)
	buf.WriteByte(byte(len(d.Layers)))

	// Палитра строится в порядке первого появления
	var pal palette
	index := make(map[uint32]uint16)
	indices := make([][]uint16, len(d.Layers))
	for layer, ids := range d.Layers {
		if ids == nil {
			continue
		}
		if len(ids) != world.SectionVolume {
			return nil, fmt.Errorf("layer %d: %w: length %d", layer, world.ErrOutOfRange, len(ids))
		}
		out := make([]uint16, world.SectionVolume)
		for i, rid := range ids {
			pi, ok := index[rid]
			if !ok {
				st, err := reg.StateByRuntimeID(int(rid))
				if err != nil {
					return nil, fmt.Errorf("layer %d: %w", layer, err)
				}
				if len(pal.Entries) > 0xFFFF {
					return nil, fmt.Errorf("palette overflow: %d entries", len(pal.Entries))
				}
				pi = uint16(len(pal.Entries))
				index[rid] = pi
				pal.Entries = append(pal.Entries, paletteEntry{Name: st.ID().String(), Val: int32(st.Meta())})
			}
			out[i] = pi
		}
		indices[layer] = out
	}

	palData, err := nbt.MarshalEncoding(pal, nbt.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode palette: %w", err)
	}
	writeBlock(buf, palData)

	for _, out := range indices {
		if out == nil {
			buf.WriteByte(0)
			continue
		}
		buf.WriteByte(1)
		_ = binary.Write(buf, binary.LittleEndian, out)
	}

	light := d.BlockLight
	if light == nil {
		light = make([]byte, world.NibbleArrayLen)
	}
	buf.Write(light)
	if d.SkyLight != nil {
		buf.Write(d.SkyLight)
	}

	tiles, err := encodeTileEntities(d.TileEntities)
	if err != nil {
		return nil, err
	}
	writeBlock(buf, tiles)

	return appendChecksum(encoder.EncodeAll(buf.Bytes(), nil)), nil
}

func appendChecksum(compressed []byte) []byte {
	return binary.LittleEndian.AppendUint64(compressed, xxhash.Sum64(compressed))
}

// DecodeSection восстанавливает содержимое секции, разрешая палитру через reg.
func DecodeSection(blob []byte, reg *block.Registry) (world.SectionData, error) {
	var d world.SectionData
	if len(blob) < checksumLen {
		return d, fmt.Errorf("%w: blob too short (%d bytes)", ErrCorrupt, len(blob))
	}
	compressed, sum := blob[:len(blob)-checksumLen], blob[len(blob)-checksumLen:]
	if xxhash.Sum64(compressed) != binary.LittleEndian.Uint64(sum) {
		return d, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	r := bytes.NewReader(raw)
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return d, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if header[0] != CodecVersion {
		return d, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, header[0])
	}
	flags, layers := header[1], int(header[2])

	palData, err := readBlock(r)
	if err != nil {
		return d, fmt.Errorf("%w: palette: %v", ErrCorrupt, err)
	}
	var pal palette
	if err := nbt.UnmarshalEncoding(palData, &pal, nbt.LittleEndian); err != nil {
		return d, fmt.Errorf("%w: palette: %v", ErrCorrupt, err)
	}
	runtimeIDs := make([]uint32, len(pal.Entries))
	for i, e := range pal.Entries {
		id, err := ident.Parse(e.Name)
		if err != nil {
			return d, fmt.Errorf("%w: palette entry %d: %v", ErrCorrupt, i, err)
		}
		rid, err := reg.RuntimeID(id, int(e.Val))
		if err != nil {
			return d, fmt.Errorf("palette entry %s:%d: %w", e.Name, e.Val, err)
		}
		runtimeIDs[i] = uint32(rid)
	}

	d.Layers = make([][]uint32, layers)
	idx := make([]uint16, world.SectionVolume)
	for layer := range d.Layers {
		present, err := r.ReadByte()
		if err != nil {
			return d, fmt.Errorf("%w: layer %d: %v", ErrCorrupt, layer, err)
		}
		if present == 0 {
			continue
		}
		if err := binary.Read(r, binary.LittleEndian, idx); err != nil {
			return d, fmt.Errorf("%w: layer %d: %v", ErrCorrupt, layer, err)
		}
		ids := make([]uint32, world.SectionVolume)
		for i, pi := range idx {
			if int(pi) >= len(runtimeIDs) {
				return d, fmt.Errorf("%w: layer %d: palette index %d out of %d", ErrCorrupt, layer, pi, len(runtimeIDs))
			}
			ids[i] = runtimeIDs[pi]
		}
		d.Layers[layer] = ids
	}

	d.BlockLight = make([]byte, world.NibbleArrayLen)
	if _, err := io.ReadFull(r, d.BlockLight); err != nil {
		return d, fmt.Errorf("%w: block light: %v", ErrCorrupt, err)
	}
	if flags&flagSkyLight != 0 {
		d.SkyLight = make([]byte, world.NibbleArrayLen)
		if _, err := io.ReadFull(r, d.SkyLight); err != nil {
			return d, fmt.Errorf("%w: sky light: %v", ErrCorrupt, err)
		}
	}

	tiles, err := readBlock(r)
	if err != nil {
		return d, fmt.Errorf("%w: tile entities: %v", ErrCorrupt, err)
	}
	if d.TileEntities, err = decodeTileEntities(tiles); err != nil {
		return d, err
	}
	return d, nil
}

// encodeTileEntities пишет блочные сущности подряд, добавляя координаты в каждую.
func encodeTileEntities(tiles map[int]world.TileEntity) ([]byte, error) {
	if len(tiles) == 0 {
		return nil, nil
	}
	buf := bytes.NewBuffer(nil)
	enc := nbt.NewEncoderWithEncoding(buf, nbt.LittleEndian)
	for key, te := range tiles {
		x, y, z := world.TileKeyPos(key)
		data := maps.Clone(map[string]any(te))
		if data == nil {
			data = make(map[string]any, 3)
		}
		data["x"], data["y"], data["z"] = int32(x), int32(y), int32(z)
		if err := enc.Encode(data); err != nil {
			return nil, fmt.Errorf("encode tile entity (%d,%d,%d): %w", x, y, z, err)
		}
	}
	return buf.Bytes(), nil
}

func decodeTileEntities(data []byte) (map[int]world.TileEntity, error) {
	tiles := make(map[int]world.TileEntity)
	buf := bytes.NewBuffer(data)
	dec := nbt.NewDecoderWithEncoding(buf, nbt.LittleEndian)
	for buf.Len() > 0 {
		te := make(map[string]any)
		if err := dec.Decode(&te); err != nil {
			return nil, fmt.Errorf("%w: tile entity: %v", ErrCorrupt, err)
		}
		x, okX := te["x"].(int32)
		y, okY := te["y"].(int32)
		z, okZ := te["z"].(int32)
		if !okX || !okY || !okZ || x < 0 || y < 0 || z < 0 || x >= world.SectionSize || y >= world.SectionSize || z >= world.SectionSize {
			return nil, fmt.Errorf("%w: tile entity without valid position", ErrCorrupt)
		}
		delete(te, "x")
		delete(te, "y")
		delete(te, "z")
		tiles[world.TileKey(int(x), int(y), int(z))] = te
	}
	return tiles, nil
}

func writeBlock(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
}

func readBlock(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("block length %d exceeds remaining %d", n, r.Len())
	}
	data := make([]byte, n)
	_, err := io.ReadFull(r, data)
	return data, err
}
