package access

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/space"
)

// Palette holds the raster colors.
type Palette struct {
	Background color.RGBA
	Particle   color.RGBA
	Cell       color.RGBA
}

// DefaultPalette is used when Options.Palette is zero.
var DefaultPalette = Palette{
	Background: color.RGBA{R: 0x00, G: 0x00, B: 0x1b, A: 0xff},
	Particle:   color.RGBA{R: 0x90, G: 0x20, B: 0x20, A: 0xff},
	Cell:       color.RGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff},
}

// rasterize draws the entities of data whose truncated position lies in
// rect. Buffer pixels map 1:1 to universe coordinates; nothing outside rect
// is written.
func rasterize(dst *image.RGBA, data *model.Data, rect space.IntRect, torus space.Torus, pal Palette) {
	area := image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X+1, rect.Max.Y+1).Intersect(dst.Bounds())
	if area.Empty() {
		return
	}
	draw.Draw(dst, area, &image.Uniform{C: pal.Background}, image.Point{}, draw.Src)

	plot := func(pos space.IntVec, c color.RGBA) {
		if !rect.Contains(pos) {
			return
		}
		p := torus.CorrectIntPosition(pos)
		if image.Pt(p.X, p.Y).In(area) {
			dst.SetRGBA(p.X, p.Y, c)
		}
	}
	for i := range data.Particles {
		plot(space.Truncate(data.Particles[i].Pos), pal.Particle)
	}
	for i := range data.Cells {
		plot(space.Truncate(data.Cells[i].Pos), pal.Cell)
	}
}
