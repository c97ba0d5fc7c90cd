package imagegen

import (
	"log"
	"os"
	"strings"
)

// Resolve 根据 IMAGE_PROVIDER 环境变量选择生成后端，构建失败时显式
// 回退到本地占位实现。返回的 fallbackReason 非空即表示发生了降级；
// 调用方在服务装配阶段解析一次并注入，不在请求路径上重复解析。
func Resolve() (provider Provider, fallbackReason string) {
	name := strings.ToLower(strings.TrimSpace(os.Getenv("IMAGE_PROVIDER")))

	switch name {
	case "", "stub":
		return NewStubProvider(), ""
	case "openai":
		remote, err := NewOpenAIProviderFromEnv()
		if err != nil {
			reason := err.Error()
			log.Printf("imagegen: openai provider unavailable, falling back to stub: %v", err)
			return NewStubProvider(), reason
		}
		return remote, ""
	default:
		reason := "unsupported IMAGE_PROVIDER " + name
		log.Printf("imagegen: %s, falling back to stub", reason)
		return NewStubProvider(), reason
	}
}
