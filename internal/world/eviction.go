package world

import (
	"fmt"
	"slices"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/shirou/gopsutil/v3/mem"
)

// EvictionPolicy выбирает чанки для выгрузки из снимка загруженных.
type EvictionPolicy interface {
	SelectEvictions(loaded []*Chunk) []*Chunk
}

// EvictionFunc адаптирует функцию к EvictionPolicy.
type EvictionFunc func(loaded []*Chunk) []*Chunk

// SelectEvictions реализует EvictionPolicy.
func (f EvictionFunc) SelectEvictions(loaded []*Chunk) []*Chunk { return f(loaded) }

// EvictNone ничего не выгружает.
var EvictNone EvictionPolicy = EvictionFunc(func([]*Chunk) []*Chunk { return nil })

// EvictAll выгружает всё.
var EvictAll EvictionPolicy = EvictionFunc(func(loaded []*Chunk) []*Chunk { return loaded })

// LRUPolicy держит не больше MaxChunks чанков, выгружая давно не тронутые.
// Отрицательный MaxChunks считается нулём.
type LRUPolicy struct {
	MaxChunks int
}

// SelectEvictions реализует EvictionPolicy.
func (p LRUPolicy) SelectEvictions(loaded []*Chunk) []*Chunk {
	limit := max(p.MaxChunks, 0)
	if len(loaded) <= limit {
		return nil
	}
	return oldest(loaded, len(loaded)-limit)
}

// oldest возвращает n чанков с самым давним обращением
func oldest(loaded []*Chunk, n int) []*Chunk {
	sorted := slices.Clone(loaded)
	slices.SortFunc(sorted, func(a, b *Chunk) int {
		return a.LastAccess().Compare(b.LastAccess())
	})
	return sorted[:n]
}

// DistancePolicy выгружает чанки дальше Radius (в чанках) от всех якорей.
// Без якорей ничего не выгружается.
type DistancePolicy struct {
	Radius  float64
	Anchors func() []mgl64.Vec2 // Позиции якорей в координатах чанков
}

// SelectEvictions реализует EvictionPolicy.
func (p DistancePolicy) SelectEvictions(loaded []*Chunk) []*Chunk {
	if p.Anchors == nil {
		return nil
	}
	anchors := p.Anchors()
	if len(anchors) == 0 {
		return nil
	}
	var out []*Chunk
	for _, c := range loaded {
		pos := mgl64.Vec2{float64(c.X()), float64(c.Z())}
		far := true
		for _, a := range anchors {
			if pos.Sub(a).Len() <= p.Radius {
				far = false
				break
			}
		}
		if far {
			out = append(out, c)
		}
	}
	return out
}

// MemoryPressurePolicy выгружает долю Fraction самых старых чанков, когда
// занятая память хоста превышает ThresholdPercent. Иначе решает Inner.
type MemoryPressurePolicy struct {
	ThresholdPercent float64
	Fraction         float64
	Inner            EvictionPolicy

	// UsedPercent по умолчанию читает mem.VirtualMemory.
	UsedPercent func() (float64, error)
}

// SelectEvictions реализует EvictionPolicy.
func (p MemoryPressurePolicy) SelectEvictions(loaded []*Chunk) []*Chunk {
	used, err := p.usedPercent()
	if err == nil && used >= p.ThresholdPercent && len(loaded) > 0 {
		fraction := p.Fraction
		if fraction <= 0 || fraction > 1 {
			fraction = 0.25
		}
		n := int(float64(len(loaded)) * fraction)
		if n < 1 {
			n = 1
		}
		return oldest(loaded, n)
	}
	if p.Inner == nil {
		return nil
	}
	return p.Inner.SelectEvictions(loaded)
}

func (p MemoryPressurePolicy) usedPercent() (float64, error) {
	if p.UsedPercent != nil {
		return p.UsedPercent()
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}
