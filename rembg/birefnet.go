package rembg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/chaos-io/bgremove/mask"
	"github.com/chaos-io/bgremove/util"
	nhttp "github.com/chaos-io/bgremove/util/http"
)

// remoteSegmenter 远端抠图服务（例如部署了 BiRefNet 的推理节点）
// 请求为 multipart 上传 image 字段，响应为 {"mask": "<base64 png>"}
type remoteSegmenter struct {
	name string
	url  string
	cli  nhttp.IClient
	b    Backend
}

func NewRemoteFactory(cli nhttp.IClient) Factory {
	return func(ctx context.Context, b Backend, _ string) (Segmenter, error) {
		if b.URL == "" {
			return nil, errors.New("remote backend url is empty")
		}
		return &remoteSegmenter{name: b.Name, url: b.URL, cli: cli, b: b}, nil
	}
}

func (r *remoteSegmenter) Name() string {
	return r.name
}

type remoteResp struct {
	Mask  string `json:"mask"`
	Error string `json:"error"`
}

/*
	curl -X POST "$URL" -F "image=@my_image.png"

{"mask": "data:image/png;base64,iVBORw0..."}
*/
func (r *remoteSegmenter) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	_ = writer.Close()

	resp := &remoteResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: r.url,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
		Timeout:    r.b.Timeout,
	}
	if err := r.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote backend: %s", resp.Error)
	}
	if resp.Mask == "" {
		return nil, errors.New("remote backend returned no mask")
	}

	data, err := util.DecodeDataURL(resp.Mask)
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	m, _, err := util.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}

	b := img.Bounds()
	if mb := m.Bounds(); mb.Dx() != b.Dx() || mb.Dy() != b.Dy() {
		util.Logger.Debug("resize remote mask",
			zap.String("backend", r.name), zap.Stringer("from", mb.Size()), zap.Stringer("to", b.Size()))
		m = imaging.Resize(m, b.Dx(), b.Dy(), imaging.Linear)
	}
	return mask.ToGray(m), nil
}

func (r *remoteSegmenter) Close() error {
	return nil
}
