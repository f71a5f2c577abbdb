//go:build gocv

package mask

import (
	"context"
	"image"

	"gocv.io/x/gocv"
)

// runGrabCut 使用 OpenCV 的 GrabCut，labels 作为 GC_INIT_WITH_MASK 的初始 mask
func runGrabCut(ctx context.Context, img *image.NRGBA, labels []Label, iterations int) error {
	if err := ctx.Err(); err != nil {
		return &SegmentationError{Reason: "canceled", Err: err}
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return &SegmentationError{Reason: "image to mat", Err: err}
	}
	defer mat.Close()

	raw := make([]byte, len(labels))
	for i, l := range labels {
		raw[i] = byte(l)
	}
	mask, err := gocv.NewMatFromBytes(img.Rect.Dy(), img.Rect.Dx(), gocv.MatTypeCV8U, raw)
	if err != nil {
		return &SegmentationError{Reason: "mask to mat", Err: err}
	}
	defer mask.Close()

	bgdModel := gocv.NewMat()
	defer bgdModel.Close()
	fgdModel := gocv.NewMat()
	defer fgdModel.Close()

	gocv.GrabCut(mat, &mask, image.Rectangle{}, &bgdModel, &fgdModel, iterations, gocv.GCInitWithMask)

	out := mask.ToBytes()
	if len(out) != len(labels) {
		return &SegmentationError{Reason: "unexpected mask size"}
	}
	for i, v := range out {
		labels[i] = Label(v)
	}
	return nil
}
