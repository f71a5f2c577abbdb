package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/bgremove/mask"
	"github.com/chaos-io/bgremove/rembg"
	"github.com/chaos-io/bgremove/util"
)

// halfSegmenter 左半边为前景
type halfSegmenter struct {
	mu   sync.Mutex
	seen []image.Rectangle
	// block 非空时 Segment 等待它关闭
	block chan struct{}
	err   error
}

func (s *halfSegmenter) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	s.mu.Lock()
	s.seen = append(s.seen, img.Bounds())
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	b := img.Bounds()
	m := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx()/2; x++ {
			m.Pix[y*m.Stride+x] = 255
		}
	}
	return m, nil
}

func (s *halfSegmenter) Name() string { return rembg.FastBackend }
func (s *halfSegmenter) Close() error { return nil }

type fakeProvider struct {
	seg rembg.Segmenter
	err error
}

func (p *fakeProvider) Session(context.Context, string) (rembg.Segmenter, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.seg, nil
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solidPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 40, 120, 200, 255
	}
	return encodePNG(t, img)
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

// sharpSettings 关闭边缘处理，便于逐像素断言
func sharpSettings() Settings {
	s := DefaultSettings()
	s.SmoothEdges = false
	return s
}

func newTestPipeline(seg rembg.Segmenter) *Pipeline {
	return New(&fakeProvider{seg: seg}, DefaultConfig())
}

func TestProcess_BoundaryRejection(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&halfSegmenter{})
	tests := []struct {
		name    string
		w, h    int
		wantErr bool
	}{
		{"longer side 3073", 8, 3073, true},
		{"shorter side 7", 8, 7, true},
		{"8x8", 8, 8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.Process(context.Background(), Request{Image: solidPNG(t, tt.w, tt.h), Settings: sharpSettings()})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSizeOutOfBounds)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProcess_InvalidImage(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&halfSegmenter{})
	_, err := p.Process(context.Background(), Request{Image: []byte("not an image")})
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestProcess_MalformedGuidanceFallsBack(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&halfSegmenter{})
	input := solidPNG(t, 20, 10)
	plain, err := p.Process(context.Background(), Request{Image: input, Mode: ModeMask, Settings: sharpSettings()})
	require.NoError(t, err)

	tests := []struct {
		name     string
		maskData string
		strategy Strategy
		want     Strategy
	}{
		{"bad base64 fusion", "data:image/png;base64,@@@notbase64", StrategyFusion, StrategyFusion},
		{"bad base64 grabcut", "data:image/png;base64,@@@notbase64", StrategyGrabCut, StrategyGrabCut},
		{"unknown format", "data:image/png;base64,bm90IGFuIGltYWdl", StrategyGrabCut, StrategyGrabCut},
		{"default strategy", "%%%", "", StrategyFusion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := p.Process(context.Background(), Request{
				Image:    input,
				Mode:     ModeMask,
				MaskData: tt.maskData,
				Settings: sharpSettings(),
				Strategy: tt.strategy,
			})
			require.NoError(t, err)
			assert.True(t, res.Metadata.GuidanceFallback)
			assert.Equal(t, tt.want, res.Metadata.Guidance)
			assert.Equal(t, plain.PNG, res.PNG)
		})
	}
}

func TestProcess_BlankGuidanceIgnored(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&halfSegmenter{})
	res, err := p.Process(context.Background(), Request{
		Image:    solidPNG(t, 20, 10),
		MaskData: "   \n",
		Settings: sharpSettings(),
		Strategy: StrategyGrabCut,
	})
	require.NoError(t, err)
	assert.False(t, res.Metadata.GuidanceFallback)
	assert.Empty(t, res.Metadata.Guidance)
}

func TestProcess_EdgeRadiusLimit(t *testing.T) {
	t.Parallel()

	seg := &halfSegmenter{}
	p := newTestPipeline(seg)

	s := DefaultSettings()
	s.FeatherEdges = true
	s.EdgeRadius = 1500
	_, err := p.Process(context.Background(), Request{Image: solidPNG(t, 64, 64), Settings: s})
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Empty(t, seg.seen)

	s.EdgeRadius = mask.MaxEdgeRadius
	res, err := p.Process(context.Background(), Request{Image: solidPNG(t, 64, 64), Settings: s})
	require.NoError(t, err)
	assert.Equal(t, mask.MaxEdgeRadius, res.Metadata.Settings.EdgeRadius)
}

func TestProcess_Modes(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&halfSegmenter{})
	input := solidPNG(t, 20, 10)

	res, err := p.Process(context.Background(), Request{Image: input, Mode: ModeKeepSubject, Settings: sharpSettings()})
	require.NoError(t, err)
	subject := decodePNG(t, res.PNG)
	assert.Equal(t, ModeKeepSubject, res.Mode)
	assert.Equal(t, image.Rect(0, 0, 20, 10), subject.Bounds())
	_, _, _, a := subject.At(2, 5).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	_, _, _, a = subject.At(17, 5).RGBA()
	assert.Equal(t, uint32(0), a)

	res, err = p.Process(context.Background(), Request{Image: input, Mode: ModeKeepBackground, Settings: sharpSettings()})
	require.NoError(t, err)
	background := decodePNG(t, res.PNG)
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			_, _, _, as := subject.At(x, y).RGBA()
			_, _, _, ab := background.At(x, y).RGBA()
			require.Equal(t, uint32(0xffff), as+ab, "pixel (%d,%d)", x, y)
		}
	}

	res, err = p.Process(context.Background(), Request{Image: input, Mode: ModeMask, Settings: sharpSettings()})
	require.NoError(t, err)
	gray, ok := decodePNG(t, res.PNG).(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, uint8(255), gray.GrayAt(2, 5).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(17, 5).Y)

	res, err = p.Process(context.Background(), Request{Image: input, Mode: "whatever", Settings: sharpSettings()})
	require.NoError(t, err)
	assert.Equal(t, ModeKeepSubject, res.Mode)
}

func TestProcess_FastRoundTrip(t *testing.T) {
	t.Parallel()

	seg := &halfSegmenter{}
	p := newTestPipeline(seg)
	s := DefaultSettings()
	s.Quality = QualityFast

	res, err := p.Process(context.Background(), Request{Image: solidPNG(t, 1024, 600), Settings: s})
	require.NoError(t, err)

	out := decodePNG(t, res.PNG)
	assert.Equal(t, image.Rect(0, 0, 1024, 600), out.Bounds())
	assert.Equal(t, Size{Width: 1024, Height: 600}, res.Metadata.OriginalSize)
	assert.Equal(t, Size{Width: 1024, Height: 600}, res.Metadata.ResultSize)
	require.Len(t, seg.seen, 1)
	assert.Equal(t, 512, seg.seen[0].Dx())
	assert.Equal(t, 300, seg.seen[0].Dy())
}

func TestProcess_HighUpsamples(t *testing.T) {
	t.Parallel()

	seg := &halfSegmenter{}
	p := newTestPipeline(seg)
	s := sharpSettings()
	s.Quality = QualityHigh

	res, err := p.Process(context.Background(), Request{Image: solidPNG(t, 100, 50), Settings: s})
	require.NoError(t, err)
	assert.Equal(t, Size{Width: 1024, Height: 512}, res.Metadata.ResultSize)
	assert.Equal(t, Size{Width: 100, Height: 50}, res.Metadata.OriginalSize)
}

func TestProcess_BalancedKeepsSize(t *testing.T) {
	t.Parallel()

	seg := &halfSegmenter{}
	p := newTestPipeline(seg)

	res, err := p.Process(context.Background(), Request{Image: solidPNG(t, 700, 90)})
	require.NoError(t, err)
	assert.Equal(t, Size{Width: 700, Height: 90}, res.Metadata.ResultSize)
	assert.Equal(t, rembg.FastBackend, res.Metadata.Backend)
	assert.Equal(t, DefaultSettings(), res.Metadata.Settings)
	require.Len(t, seg.seen, 1)
	assert.Equal(t, image.Rect(0, 0, 700, 90), seg.seen[0])
}

func TestProcess_FusionGuidance(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&halfSegmenter{})
	hints := mask.DefaultHintColors()

	// 右上角涂 keep，左上角涂 remove
	guidance := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	guidance.SetNRGBA(18, 1, hints.Keep)
	guidance.SetNRGBA(1, 1, hints.Remove)
	maskData := util.PNGDataURL(encodePNG(t, guidance))

	res, err := p.Process(context.Background(), Request{
		Image:    solidPNG(t, 20, 10),
		Mode:     ModeMask,
		MaskData: maskData,
		Settings: sharpSettings(),
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyFusion, res.Metadata.Guidance)
	assert.False(t, res.Metadata.GuidanceFallback)

	gray := decodePNG(t, res.PNG).(*image.Gray)
	assert.Equal(t, uint8(255), gray.GrayAt(18, 1).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(1, 1).Y)
	assert.Equal(t, uint8(255), gray.GrayAt(1, 5).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(18, 5).Y)
}

func TestProcess_GrabCutFallback(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&halfSegmenter{})
	input := solidPNG(t, 20, 10)

	// 全部未标注的 guidance 没有前景种子
	guidance := image.NewGray(image.Rect(0, 0, 20, 10))
	for i := range guidance.Pix {
		guidance.Pix[i] = 128
	}

	withGuide, err := p.Process(context.Background(), Request{
		Image:    input,
		Mode:     ModeMask,
		MaskData: util.PNGDataURL(encodePNG(t, guidance)),
		Settings: sharpSettings(),
		Strategy: StrategyGrabCut,
	})
	require.NoError(t, err)
	assert.True(t, withGuide.Metadata.GuidanceFallback)
	assert.Equal(t, StrategyGrabCut, withGuide.Metadata.Guidance)

	plain, err := p.Process(context.Background(), Request{Image: input, Mode: ModeMask, Settings: sharpSettings()})
	require.NoError(t, err)
	assert.Equal(t, plain.PNG, withGuide.PNG)
}

func TestProcess_GrabCutGuidance(t *testing.T) {
	t.Parallel()

	// 左红右蓝，guidance 左侧白右侧黑
	img := image.NewNRGBA(image.Rect(0, 0, 24, 16))
	guidance := image.NewGray(img.Rect)
	for y := 0; y < 16; y++ {
		for x := 0; x < 24; x++ {
			c := color.NRGBA{R: 220, G: 30, B: 30, A: 255}
			if x >= 12 {
				c = color.NRGBA{R: 30, G: 30, B: 220, A: 255}
			}
			img.SetNRGBA(x, y, c)
			switch {
			case x < 3:
				guidance.Pix[y*guidance.Stride+x] = 255
			case x >= 21:
				guidance.Pix[y*guidance.Stride+x] = 0
			default:
				guidance.Pix[y*guidance.Stride+x] = 128
			}
		}
	}

	// 自动 mask 全部为背景，结果只能来自 GrabCut
	seg := &constSegmenter{}
	p := New(&fakeProvider{seg: seg}, Config{Strategy: StrategyGrabCut})
	res, err := p.Process(context.Background(), Request{
		Image:    encodePNG(t, img),
		Mode:     ModeMask,
		MaskData: util.PNGDataURL(encodePNG(t, guidance)),
		Settings: sharpSettings(),
	})
	require.NoError(t, err)
	assert.False(t, res.Metadata.GuidanceFallback)

	gray := decodePNG(t, res.PNG).(*image.Gray)
	assert.Equal(t, uint8(255), gray.GrayAt(6, 8).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(18, 8).Y)
}

type constSegmenter struct{}

func (constSegmenter) Segment(_ context.Context, img image.Image) (*image.Gray, error) {
	b := img.Bounds()
	return image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy())), nil
}
func (constSegmenter) Name() string { return "const" }
func (constSegmenter) Close() error { return nil }

func TestProcess_SilhouetteSkipsBackend(t *testing.T) {
	t.Parallel()

	p := New(&fakeProvider{err: errors.New("must not be called")}, DefaultConfig())
	s := DefaultSettings()
	s.Model = rembg.ModelSilhouette

	res, err := p.Process(context.Background(), Request{Image: solidPNG(t, 16, 16), Mode: ModeMask, Settings: s})
	require.NoError(t, err)
	assert.Equal(t, rembg.ModelSilhouette, res.Metadata.Backend)

	gray := decodePNG(t, res.PNG).(*image.Gray)
	for _, v := range gray.Pix {
		assert.True(t, v == 0 || v == 255)
	}
}

func TestProcess_BackendErrors(t *testing.T) {
	t.Parallel()

	p := New(&fakeProvider{err: rembg.ErrBackendUnavailable}, DefaultConfig())
	_, err := p.Process(context.Background(), Request{Image: solidPNG(t, 16, 16)})
	assert.ErrorIs(t, err, rembg.ErrBackendUnavailable)

	p = newTestPipeline(&halfSegmenter{err: errors.New("inference failed")})
	_, err = p.Process(context.Background(), Request{Image: solidPNG(t, 16, 16)})
	assert.ErrorIs(t, err, rembg.ErrBackendUnavailable)
}

func TestProcess_Busy(t *testing.T) {
	t.Parallel()

	seg := &halfSegmenter{block: make(chan struct{})}
	p := New(&fakeProvider{seg: seg}, Config{MaxConcurrent: 1, QueueTimeout: 50 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := p.Process(context.Background(), Request{Image: solidPNG(t, 16, 16)})
		done <- err
	}()

	require.Eventually(t, func() bool {
		seg.mu.Lock()
		defer seg.mu.Unlock()
		return len(seg.seen) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := p.Process(context.Background(), Request{Image: solidPNG(t, 16, 16)})
	assert.ErrorIs(t, err, ErrBusy)

	close(seg.block)
	assert.NoError(t, <-done)
}

func TestProcess_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(&halfSegmenter{})
	_, err := p.Process(ctx, Request{Image: solidPNG(t, 16, 16)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcess_Deadline(t *testing.T) {
	t.Parallel()

	seg := &halfSegmenter{block: make(chan struct{})}
	defer close(seg.block)
	p := newTestPipeline(seg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Process(ctx, Request{Image: solidPNG(t, 16, 16)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecoverError(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, recoverError("boom"), ErrInternal)
	assert.ErrorIs(t, recoverError(ErrResourceExhausted), ErrResourceExhausted)

	func() {
		defer func() {
			assert.ErrorIs(t, recoverError(recover()), ErrResourceExhausted)
		}()
		n := -1
		_ = make([]byte, n)
	}()
}

func TestDecodeGuidance_TooLarge(t *testing.T) {
	t.Parallel()

	// 只改写 IHDR 中的宽高即可触发尺寸检查
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	data := encodePNG(t, img)
	// IHDR 宽高位于偏移 16..24
	big := append([]byte(nil), data...)
	big[16], big[17], big[18], big[19] = 0, 0, 0x10, 0
	big[20], big[21], big[22], big[23] = 0, 0, 0x10, 0
	binary.BigEndian.PutUint32(big[29:33], crc32.ChecksumIEEE(big[12:29]))

	_, err := decodeGuidance(util.PNGDataURL(big))
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestProcess_SubjectBox(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&halfSegmenter{})
	res, err := p.Process(context.Background(), Request{Image: solidPNG(t, 20, 10), Settings: sharpSettings()})
	require.NoError(t, err)
	require.NotNil(t, res.Metadata.SubjectBox)
	assert.Equal(t, Box{X: 0, Y: 0, Width: 10, Height: 10}, *res.Metadata.SubjectBox)

	res, err = p.Process(context.Background(), Request{Image: solidPNG(t, 20, 10), Mode: ModeKeepBackground, Settings: sharpSettings()})
	require.NoError(t, err)
	// 位置描述的是 mask 中的主体，与输出模式无关
	assert.Equal(t, Box{X: 0, Y: 0, Width: 10, Height: 10}, *res.Metadata.SubjectBox)

	p = newTestPipeline(constSegmenter{})
	res, err = p.Process(context.Background(), Request{Image: solidPNG(t, 20, 10), Settings: sharpSettings()})
	require.NoError(t, err)
	assert.Nil(t, res.Metadata.SubjectBox)
}
