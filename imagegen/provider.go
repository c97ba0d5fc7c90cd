package imagegen

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxPromptLen 为单次生成允许的最大提示词长度。
const MaxPromptLen = 200

// DefaultSize 为未指定尺寸时使用的默认画布规格。
const DefaultSize = "1024x1024"

var (
	// ErrEmptyPrompt 表示提示词为空，属于本地校验失败。
	ErrEmptyPrompt = errors.New("imagegen: prompt cannot be empty")
	// ErrPromptTooLong 表示提示词超出长度上限，属于本地校验失败。
	ErrPromptTooLong = fmt.Errorf("imagegen: prompt exceeds %d characters", MaxPromptLen)
)

// Provider 定义把文本提示词渲染为光栅图像字节的生成后端。
type Provider interface {
	// Name 返回持久化到图像记录中的后端标识。
	Name() string
	// Generate 按给定提示词和尺寸生成一张图像并返回原始字节。
	Generate(ctx context.Context, prompt, size string) ([]byte, error)
}

// GenerationError 包装真实生成调用期间的远端失败，区别于本地校验失败。
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("imagegen: provider %s failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// IsGenerationError 判断错误是否来自远端生成调用。
func IsGenerationError(err error) bool {
	var genErr *GenerationError
	return errors.As(err, &genErr)
}

// validatePrompt 在任何持久化或网络调用之前检查提示词边界。
func validatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if len(prompt) > MaxPromptLen {
		return ErrPromptTooLong
	}
	return nil
}

// TruncatePrompt 将提示词裁剪到生成后端接受的长度上限。
func TruncatePrompt(prompt string) string {
	if len(prompt) <= MaxPromptLen {
		return prompt
	}
	return prompt[:MaxPromptLen]
}

// parseSize 解析 "宽x高" 形式的尺寸串，非法输入回退到默认规格。
func parseSize(size string) (int, int) {
	trimmed := strings.ToLower(strings.TrimSpace(size))
	if trimmed == "" {
		trimmed = DefaultSize
	}

	parts := strings.SplitN(trimmed, "x", 2)
	if len(parts) != 2 {
		return 1024, 1024
	}

	width, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	height, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || width <= 0 || height <= 0 || width > 4096 || height > 4096 {
		return 1024, 1024
	}
	return width, height
}
