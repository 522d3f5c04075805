package nodes

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/botflow/workflow"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// scope 构造模板变量视图：实例变量，加上 triggerData 与 previousOutput 两个命名空间。
func scope(in *workflow.NodeInput) map[string]any {
	s := make(map[string]any, len(in.Variables)+2)
	for k, v := range in.Variables {
		s[k] = v
	}
	if _, ok := s["triggerData"]; !ok {
		s["triggerData"] = in.TriggerData
	}
	if _, ok := s["previousOutput"]; !ok {
		s["previousOutput"] = in.PreviousOutput
	}
	return s
}

// Render 替换 {{path}} 占位符，缺失的变量渲染为空串。
func Render(tpl string, vars map[string]any) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		path := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := workflow.LookupPath(vars, path)
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	})
}

// RenderValue 递归渲染 map、切片中的字符串。整串恰为单个占位符时保留原值类型。
func RenderValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		if m := placeholderRe.FindStringSubmatchIndex(val); m != nil && m[0] == 0 && m[1] == len(val) {
			if raw, ok := workflow.LookupPath(vars, val[m[2]:m[3]]); ok {
				return workflow.CloneValue(raw)
			}
			return ""
		}
		return Render(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = RenderValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = RenderValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// renderMap 渲染 map，nil 输入返回空 map
func renderMap(m map[string]any, vars map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return RenderValue(m, vars).(map[string]any)
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}

// stringField 读取 data 中的字符串字段
func stringField(data map[string]any, key, def string) string {
	if v, ok := data[key]; ok && v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
		return fmt.Sprint(v)
	}
	return def
}

func boolField(data map[string]any, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

func numberField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func mapField(data map[string]any, key string) map[string]any {
	if m, ok := data[key].(map[string]any); ok {
		return m
	}
	return nil
}
