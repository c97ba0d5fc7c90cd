package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image/color"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

// stubPalette 为占位图可选的背景色。具体颜色由提示词哈希决定，
// 因此同一提示词总是渲染出同一张图。
var stubPalette = []color.NRGBA{
	{R: 45, G: 125, B: 126, A: 255},
	{R: 58, G: 155, B: 156, A: 255},
	{R: 15, G: 61, B: 62, A: 255},
	{R: 90, G: 90, B: 120, A: 255},
	{R: 120, G: 82, B: 54, A: 255},
	{R: 72, G: 52, B: 102, A: 255},
}

// StubProvider 在进程内渲染占位图像，不依赖任何外部服务，
// 对通过校验的输入永不失败。
type StubProvider struct {
	face font.Face
}

// NewStubProvider 构建本地占位图生成器。可通过 IMAGE_STUB_FONT
// 指定 TTF 字体文件，缺省使用内置点阵字体。
func NewStubProvider() *StubProvider {
	provider := &StubProvider{face: basicfont.Face7x13}

	fontPath := strings.TrimSpace(os.Getenv("IMAGE_STUB_FONT"))
	if fontPath == "" {
		return provider
	}

	data, err := os.ReadFile(fontPath)
	if err != nil {
		return provider
	}
	parsed, err := truetype.Parse(data)
	if err != nil {
		return provider
	}

	provider.face = truetype.NewFace(parsed, &truetype.Options{
		Size:    28,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	return provider
}

// Name 返回后端标识。
func (p *StubProvider) Name() string {
	return "stub"
}

// Generate 渲染一张纯色背景加提示词文本的占位 PNG。
func (p *StubProvider) Generate(ctx context.Context, prompt, size string) ([]byte, error) {
	if err := validatePrompt(prompt); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width, height := parseSize(size)

	dc := gg.NewContext(width, height)
	dc.SetColor(pickStubColor(prompt))
	dc.DrawRectangle(0, 0, float64(width), float64(height))
	dc.Fill()

	dc.SetFontFace(p.face)
	dc.SetColor(color.White)

	label := strings.TrimSpace(prompt)
	lines := dc.WordWrap(label, float64(width)-40)
	if len(lines) > 8 {
		lines = lines[:8]
	}
	lineHeight := dc.FontHeight() * 1.5
	startY := float64(height)/2 - lineHeight*float64(len(lines)-1)/2
	for i, line := range lines {
		dc.DrawStringAnchored(line, float64(width)/2, startY+lineHeight*float64(i), 0.5, 0.5)
	}

	// 边框便于肉眼区分占位图与真实生成结果
	dc.SetColor(color.NRGBA{R: 255, G: 255, B: 255, A: 128})
	dc.SetLineWidth(2)
	dc.DrawRectangle(10, 10, float64(width)-20, float64(height)-20)
	dc.Stroke()

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("imagegen: encode placeholder png: %w", err)
	}
	return buf.Bytes(), nil
}

// pickStubColor 根据提示词哈希从调色板中选取背景色。
func pickStubColor(prompt string) color.NRGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	return stubPalette[int(h.Sum32())%len(stubPalette)]
}
