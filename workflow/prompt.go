package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// 提示词模板是不透明的配置字符串，对变量袋渲染：{{key}} 或 {{a.b}} 形式的占位符
// 替换为袋内对应值，未知占位符替换为空串。不引入模板引擎，编排侧不需要控制流。

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// RenderTemplate 对变量袋渲染模板。
func RenderTemplate(tpl string, bag map[string]any) string {
	if tpl == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(tpl, func(m string) string {
		key := strings.TrimSpace(strings.Trim(m, "{}"))
		v := lookupPath(bag, strings.Split(key, "."))
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}
