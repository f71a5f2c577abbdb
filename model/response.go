package model

import "github.com/chaos-io/bgremove/pipeline"

// RemoveResponse /api/remove/ 的响应
type RemoveResponse struct {
	Success   bool               `json:"success"`
	Mode      pipeline.Mode      `json:"mode,omitempty"`
	ImageData string             `json:"image_data,omitempty"` // data:image/png;base64,...
	Metadata  *pipeline.Metadata `json:"metadata,omitempty"`
	Cached    bool               `json:"cached,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// ErrorMetadata 失败时仍返回耗时
type ErrorMetadata struct {
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error"`
	Metadata *ErrorMetadata `json:"metadata,omitempty"`
}
