package platform

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrMalformedDefinition 平台定义结构性错误，只在加载/校验时出现
var ErrMalformedDefinition = errors.New("malformed platform definition")

// ValidationError 汇总一个平台定义的全部问题
type ValidationError struct {
	Platform string
	Problems []string
}

func (e *ValidationError) Error() string {
	name := e.Platform
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("%s %s: %s", ErrMalformedDefinition.Error(), name, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrMalformedDefinition
}

// compileFlags 保证逐行锚定与大小写不敏感
const compileFlags = "(?im)"

// Validate 校验并编译定义，成功后定义只读。重复调用是安全的。
func (d *Definition) Validate() error {
	return d.validate(nil)
}

func (d *Definition) validate(problems []string) error {
	if d.PlatformType == "" {
		problems = append(problems, "platform-type is required")
	}
	if d.DriverType == "" {
		d.DriverType = DriverTypeNetwork
	}
	if len(d.PrivilegeLevels) == 0 {
		problems = append(problems, "at least one privilege level is required")
	}
	d.normalizeOrder()

	var roots []string
	for _, name := range d.LevelOrder {
		lvl := d.PrivilegeLevels[name]
		if lvl == nil {
			problems = append(problems, fmt.Sprintf("privilege level %q is empty", name))
			continue
		}
		if lvl.Name == "" {
			lvl.Name = name
		}
		if lvl.Name != name {
			problems = append(problems, fmt.Sprintf("privilege level key %q does not match name %q", name, lvl.Name))
		}

		if lvl.Pattern == "" {
			problems = append(problems, fmt.Sprintf("privilege level %q has no pattern", name))
		} else if re, err := regexp.Compile(compileFlags + lvl.Pattern); err != nil {
			problems = append(problems, fmt.Sprintf("privilege level %q pattern: %v", name, err))
		} else {
			lvl.patternRe = re
		}

		if lvl.EscalateAuth && lvl.EscalatePrompt == "" {
			problems = append(problems, fmt.Sprintf("privilege level %q requires escalate-prompt when escalate-auth is set", name))
		}
		if lvl.EscalatePrompt != "" {
			if re, err := regexp.Compile(compileFlags + lvl.EscalatePrompt); err != nil {
				problems = append(problems, fmt.Sprintf("privilege level %q escalate-prompt: %v", name, err))
			} else {
				lvl.escalatePromptRe = re
			}
		}

		if lvl.IsRoot() {
			roots = append(roots, name)
			continue
		}
		if lvl.Deescalate == "" {
			problems = append(problems, fmt.Sprintf("privilege level %q has no deescalate command", name))
		}
		if lvl.PreviousPriv == name {
			problems = append(problems, fmt.Sprintf("privilege level %q is its own previous-priv", name))
		} else if _, ok := d.PrivilegeLevels[lvl.PreviousPriv]; !ok {
			problems = append(problems, fmt.Sprintf("privilege level %q references unknown previous-priv %q", name, lvl.PreviousPriv))
		}
	}

	switch len(roots) {
	case 0:
		if len(d.PrivilegeLevels) > 0 {
			problems = append(problems, "no root privilege level (every level has previous-priv)")
		}
	case 1:
	default:
		problems = append(problems, fmt.Sprintf("multiple root privilege levels: %s", strings.Join(roots, ", ")))
	}

	problems = append(problems, d.checkCycles()...)

	if d.DefaultDesiredPrivilegeLevel == "" {
		problems = append(problems, "default-desired-privilege-level is required")
	} else if _, ok := d.PrivilegeLevels[d.DefaultDesiredPrivilegeLevel]; !ok {
		problems = append(problems, fmt.Sprintf("default-desired-privilege-level %q is not a privilege level", d.DefaultDesiredPrivilegeLevel))
	}

	problems = append(problems, d.checkOperations("network-on-open", d.OnOpen)...)
	problems = append(problems, d.checkOperations("network-on-close", d.OnClose)...)
	problems = append(problems, d.checkEscalate()...)

	if len(problems) > 0 {
		return &ValidationError{Platform: d.PlatformType, Problems: problems}
	}

	d.warnings = d.overlapWarnings()
	d.validated = true
	return nil
}

// normalizeOrder 让 LevelOrder 与 PrivilegeLevels 一致；手工构造的定义可以不填 LevelOrder，此时按名称补齐
func (d *Definition) normalizeOrder() {
	seen := make(map[string]bool, len(d.LevelOrder))
	order := make([]string, 0, len(d.PrivilegeLevels))
	for _, name := range d.LevelOrder {
		if _, ok := d.PrivilegeLevels[name]; ok && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	var missing []string
	for name := range d.PrivilegeLevels {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	d.LevelOrder = append(order, missing...)
}

// checkCycles 从每个级别沿 previous-priv 走，步数超过级别总数即存在环
func (d *Definition) checkCycles() []string {
	var problems []string
	limit := len(d.PrivilegeLevels)
	for _, name := range d.LevelOrder {
		cur := name
		for steps := 0; ; steps++ {
			lvl, ok := d.PrivilegeLevels[cur]
			if !ok || lvl == nil || lvl.IsRoot() {
				break
			}
			if steps >= limit {
				problems = append(problems, fmt.Sprintf("privilege level %q is part of a previous-priv cycle", name))
				break
			}
			cur = lvl.PreviousPriv
		}
	}
	return problems
}

// checkEscalate 没有 escalate 命令的级别只能被识别，不能作为子级别的必经之路、默认级别或 acquire-priv 目标
func (d *Definition) checkEscalate() []string {
	needed := make(map[string]string)
	for _, name := range d.LevelOrder {
		lvl := d.PrivilegeLevels[name]
		if lvl == nil || lvl.IsRoot() {
			continue
		}
		if parent := d.PrivilegeLevels[lvl.PreviousPriv]; parent != nil && !parent.IsRoot() {
			if _, ok := needed[lvl.PreviousPriv]; !ok {
				needed[lvl.PreviousPriv] = fmt.Sprintf("previous-priv of %q", name)
			}
		}
	}
	if _, ok := needed[d.DefaultDesiredPrivilegeLevel]; !ok && d.DefaultDesiredPrivilegeLevel != "" {
		needed[d.DefaultDesiredPrivilegeLevel] = "default-desired-privilege-level"
	}
	for _, ops := range [][]Operation{d.OnOpen, d.OnClose} {
		for _, op := range ops {
			if op.Kind != OpAcquirePriv || op.Target == "" {
				continue
			}
			if _, ok := needed[op.Target]; !ok {
				needed[op.Target] = "acquire-priv target"
			}
		}
	}

	var problems []string
	for _, name := range d.LevelOrder {
		lvl := d.PrivilegeLevels[name]
		why, ok := needed[name]
		if !ok || lvl == nil || lvl.IsRoot() || lvl.Escalate != "" {
			continue
		}
		problems = append(problems, fmt.Sprintf("privilege level %q has no escalate command but is the %s", name, why))
	}
	return problems
}

func (d *Definition) checkOperations(section string, ops []Operation) []string {
	var problems []string
	for i, op := range ops {
		switch op.Kind {
		case OpAcquirePriv:
			if op.Target != "" {
				if _, ok := d.PrivilegeLevels[op.Target]; !ok {
					problems = append(problems, fmt.Sprintf("%s[%d]: acquire-priv target %q is not a privilege level", section, i, op.Target))
				}
			}
		case OpSendCommand:
			if op.Command == "" {
				problems = append(problems, fmt.Sprintf("%s[%d]: driver.send-command requires command", section, i))
			}
		case OpChannelWrite, OpChannelReturn:
		default:
			problems = append(problems, fmt.Sprintf("%s[%d]: unknown operation %q", section, i, op.Kind))
		}
	}
	return problems
}

// overlapWarnings 报告正则完全相同的级别，运行时按定义顺序取第一个
func (d *Definition) overlapWarnings() []string {
	var warnings []string
	byPattern := make(map[string][]string)
	var patterns []string
	for _, name := range d.LevelOrder {
		p := d.PrivilegeLevels[name].Pattern
		if _, ok := byPattern[p]; !ok {
			patterns = append(patterns, p)
		}
		byPattern[p] = append(byPattern[p], name)
	}
	for _, p := range patterns {
		if names := byPattern[p]; len(names) > 1 {
			warnings = append(warnings, fmt.Sprintf("privilege levels %s share an identical pattern, detection reports %q first",
				strings.Join(names, ", "), names[0]))
		}
	}
	return warnings
}
