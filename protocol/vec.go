package protocol

import "math"

// Vec2 二维向量，线上布局为 2×float32
type Vec2 struct {
	X, Y float32
}

// Color RGBA 颜色，线上布局为 4×float32
type Color struct {
	R, G, B, A float32
}

var (
	White = Color{1, 1, 1, 1}
	Zero  = Vec2{}
)

func (v Vec2) Add(o Vec2) Vec2           { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2           { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Scale(s float32) Vec2      { return Vec2{v.X * s, v.Y * s} }
func (v Vec2) LengthSquared() float32    { return v.X*v.X + v.Y*v.Y }
func (v Vec2) Length() float32           { return float32(math.Sqrt(float64(v.LengthSquared()))) }
func (v Vec2) DistanceTo(o Vec2) float32 { return v.Sub(o).Length() }

// Normalized 返回单位向量；零向量返回零向量
func (v Vec2) Normalized() Vec2 {
	l := v.Length()
	if l == 0 {
		return Zero
	}
	return Vec2{v.X / l, v.Y / l}
}
