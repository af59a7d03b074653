package xlog

import (
	"log/slog"
	"strings"

	"github.com/omeyang/xlark/pkg/business/xcred"
)

// ReplaceAttrFunc 属性替换函数类型
//
// 返回空 Key 的 Attr 时该属性会被移除。
type ReplaceAttrFunc func(groups []string, a slog.Attr) slog.Attr

// sensitiveSuffixes 需要脱敏的属性键后缀。
var sensitiveSuffixes = []string{"token", "secret", "ticket", "authorization"}

// RedactSecrets 对 token/secret/ticket 类属性做掩码，保留首尾各 4 个字符。
func RedactSecrets(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return slog.String(a.Key, xcred.MaskToken(a.Value.String()))
		}
	}
	return a
}

// chainReplace 依次应用多个替换函数。
func chainReplace(fns ...ReplaceAttrFunc) ReplaceAttrFunc {
	return func(groups []string, a slog.Attr) slog.Attr {
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			a = fn(groups, a)
			if a.Key == "" {
				return a
			}
		}
		return a
	}
}
