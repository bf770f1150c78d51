// Package textutil 文本处理小工具
package textutil

import "unicode/utf8"

// Truncate 截断到最多 n 字节，不会切断多字节字符
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
