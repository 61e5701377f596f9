package privilege

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/charlesren/netpriv/platform"
)

// DefaultSearchDepth 提示符只在缓冲区末尾这么多字节内查找
const DefaultSearchDepth = 1000

// Matcher 根据级别正则识别缓冲区当前所处的特权级别
type Matcher struct {
	levels      []*platform.PrivilegeLevel
	searchDepth int
}

// NewMatcher depth <= 0 时使用 DefaultSearchDepth
func NewMatcher(def *platform.Definition, depth int) *Matcher {
	if depth <= 0 {
		depth = DefaultSearchDepth
	}
	return &Matcher{levels: def.Levels(), searchDepth: depth}
}

// SearchDepth 返回查找窗口大小
func (m *Matcher) SearchDepth() int {
	return m.searchDepth
}

// Tail 取缓冲区末尾 depth 字节，并从窗口内第一个换行处截断，避免从半行开始匹配。窗口内的回车符被去掉。
func Tail(buf []byte, depth int) []byte {
	if depth > 0 && len(buf) > depth {
		buf = buf[len(buf)-depth:]
		if idx := bytes.IndexByte(buf, '\n'); idx > 0 {
			buf = buf[idx:]
		}
	}
	if bytes.IndexByte(buf, '\r') >= 0 {
		buf = bytes.ReplaceAll(buf, []byte("\r"), nil)
	}
	return buf
}

// Detect 按定义顺序返回第一个匹配的级别。多个级别正则重叠时以定义顺序为准。
func (m *Matcher) Detect(buf []byte) (string, bool) {
	window := Tail(buf, m.searchDepth)
	for _, lvl := range m.levels {
		if matchLevel(lvl, window) {
			return lvl.Name, true
		}
	}
	return "", false
}

// Candidates 返回所有匹配的级别，按定义顺序
func (m *Matcher) Candidates(buf []byte) []string {
	window := Tail(buf, m.searchDepth)
	var names []string
	for _, lvl := range m.levels {
		if matchLevel(lvl, window) {
			names = append(names, lvl.Name)
		}
	}
	return names
}

// Matches 缓冲区是否处于指定级别
func (m *Matcher) Matches(level string, buf []byte) bool {
	window := Tail(buf, m.searchDepth)
	for _, lvl := range m.levels {
		if lvl.Name == level {
			return matchLevel(lvl, window)
		}
	}
	return false
}

// FindPrompt 返回第一个匹配级别的提示符文本
func (m *Matcher) FindPrompt(buf []byte) (string, bool) {
	window := Tail(buf, m.searchDepth)
	for _, lvl := range m.levels {
		if !matchLevel(lvl, window) {
			continue
		}
		loc := lvl.PatternRe().FindIndex(window)
		return strings.TrimSpace(string(window[loc[0]:loc[1]])), true
	}
	return "", false
}

// Patterns 返回所有级别的正则，用于等待任意提示符出现
func (m *Matcher) Patterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(m.levels))
	for _, lvl := range m.levels {
		if re := lvl.PatternRe(); re != nil {
			patterns = append(patterns, re)
		}
	}
	return patterns
}

func matchLevel(lvl *platform.PrivilegeLevel, window []byte) bool {
	re := lvl.PatternRe()
	if re == nil || !re.Match(window) {
		return false
	}
	for _, guard := range lvl.NotContains {
		if bytes.Contains(window, []byte(guard)) {
			return false
		}
	}
	return true
}
