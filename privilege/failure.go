package privilege

import "strings"

// ScanFailure 按顺序查找第一个出现在输出中的失败标记
func ScanFailure(output string, markers []string) (string, bool) {
	for _, marker := range markers {
		if marker != "" && strings.Contains(output, marker) {
			return marker, true
		}
	}
	return "", false
}
