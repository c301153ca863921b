package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bytecare/supportflow/types"
)

// Classify 执行受 Schema 约束的分类调用，并将 JSON 输出解析到 out。
// 模型偶尔会把 JSON 包在 markdown 代码块里，解析前先剥掉围栏。
// 任何失败（调用、解析）都返回 ClassificationFailed，由节点侧做保守默认（fail-open）。
func Classify(ctx context.Context, p Provider, req *ChatRequest, schema *Schema, out any) error {
	req.ResponseSchema = schema

	resp, err := p.Completion(ctx, req)
	if err != nil {
		return types.NewError(types.ErrClassificationFailed, "classification call failed").WithCause(err)
	}

	text := StripCodeFence(resp.Text())
	if text == "" {
		return types.NewError(types.ErrClassificationFailed, "classification returned empty output")
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		return types.NewError(types.ErrClassificationFailed, "classification output unparseable").WithCause(err)
	}
	return nil
}

// StripCodeFence removes a surrounding markdown code fence, if any.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// 可能带语言标记，如 ```json
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "json" || first == "JSON" || first == "" {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ObjectSchema 便捷构造一个 object 类型的 JSON Schema。
// properties 为字段名到 schema 片段的映射，required 列出必填字段。
func ObjectSchema(name string, properties map[string]any, required []string) *Schema {
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	raw, _ := json.Marshal(doc)
	return &Schema{Name: name, Definition: raw}
}

// EnumProperty 枚举字段 schema 片段。
func EnumProperty(values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values}
}

// StringArrayProperty 字符串数组字段 schema 片段。
func StringArrayProperty(maxItems int) map[string]any {
	prop := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	if maxItems > 0 {
		prop["maxItems"] = maxItems
	}
	return prop
}

// BoolProperty 布尔字段 schema 片段。
func BoolProperty() map[string]any {
	return map[string]any{"type": "boolean"}
}
