package expofuse

import (
	"image"
	"image/color"

	"gioui.org/app"
	"gioui.org/font/gofont"
	"gioui.org/io/key"
	"gioui.org/io/system"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/clip"
	"gioui.org/op/paint"
	"gioui.org/text"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"
)

type (
	C = layout.Context
	D = layout.Dimensions
)

var (
	defaultBkgColor    = color.NRGBA{R: 0x1e, G: 0x1e, B: 0x1e, A: 0xff}
	defaultStatusColor = color.NRGBA{R: 0x2b, G: 0x2b, B: 0x2b, A: 0xff}
	defaultTextColor   = color.NRGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}
)

// Gui is a window showing a fused image with a status line under it.
type Gui struct {
	cfg struct {
		window struct {
			w     float32
			h     float32
			title string
		}
		color struct {
			background color.NRGBA
			status     color.NRGBA
			text       color.NRGBA
		}
	}
	src    paint.ImageOp
	status string
	theme  *material.Theme
}

// NewGUI initializes the Gio interface for img. The window is sized to the
// image, plus the status line.
func NewGUI(img image.Image, status string) *Gui {
	gui := &Gui{
		src:    paint.NewImageOp(img),
		status: status,
		theme:  material.NewTheme(),
	}
	gui.theme.Shaper = text.NewShaper(text.WithCollection(gofont.Collection()))
	size := img.Bounds().Size()
	gui.cfg.window.w = float32(size.X)
	gui.cfg.window.h = float32(size.Y) + statusHeight
	gui.cfg.window.title = "Exposure fusion preview"

	gui.cfg.color.background = defaultBkgColor
	gui.cfg.color.status = defaultStatusColor
	gui.cfg.color.text = defaultTextColor
	return gui
}

// Run opens the window and blocks until it is closed, either by the window
// manager or by pressing ESC. It needs app.Main running on the main goroutine.
func (g *Gui) Run() error {
	w := new(app.Window)
	w.Option(
		app.Title(g.cfg.window.title),
		app.Size(unit.Dp(g.cfg.window.w), unit.Dp(g.cfg.window.h)),
	)

	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)
			for {
				ev, ok := gtx.Event(key.Filter{Name: key.NameEscape})
				if !ok {
					break
				}
				if ke, ok := ev.(key.Event); ok && ke.State == key.Press {
					w.Perform(system.ActionClose)
				}
			}
			g.layout(gtx)
			e.Frame(gtx.Ops)
		case app.DestroyEvent:
			return e.Err
		}
	}
}

func (g *Gui) layout(gtx C) D {
	paint.Fill(gtx.Ops, g.cfg.color.background)

	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Flexed(1, func(gtx C) D {
			return layout.Center.Layout(gtx, func(gtx C) D {
				return widget.Image{
					Src:   g.src,
					Fit:   widget.Contain,
					Scale: 1 / gtx.Metric.PxPerDp,
				}.Layout(gtx)
			})
		}),
		layout.Rigid(func(gtx C) D {
			return layout.Stack{}.Layout(gtx,
				layout.Expanded(func(gtx C) D {
					paint.FillShape(gtx.Ops, g.cfg.color.status, clip.Rect{Max: gtx.Constraints.Min}.Op())
					return D{Size: gtx.Constraints.Min}
				}),
				layout.Stacked(func(gtx C) D {
					gtx.Constraints.Min.X = gtx.Constraints.Max.X
					return layout.UniformInset(unit.Dp(6)).Layout(gtx, func(gtx C) D {
						lbl := material.Body2(g.theme, g.status)
						lbl.Color = g.cfg.color.text
						return lbl.Layout(gtx)
					})
				}),
			)
		}),
	)
}
