package platform

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type rawDocument struct {
	PlatformType string                  `yaml:"platform-type"`
	Default      *rawPlatform            `yaml:"default"`
	Variants     map[string]*rawPlatform `yaml:"variants"`
}

type rawPlatform struct {
	PlatformType                 string        `yaml:"platform-type"`
	DriverType                   string        `yaml:"driver-type"`
	PrivilegeLevels              orderedLevels `yaml:"privilege-levels"`
	DefaultDesiredPrivilegeLevel string        `yaml:"default-desired-privilege-level"`
	FailedWhenContains           []string      `yaml:"failed-when-contains"`
	TextFSMPlatform              string        `yaml:"textfsm-platform"`
	NetworkOnOpen                []Operation   `yaml:"network-on-open"`
	NetworkOnClose               []Operation   `yaml:"network-on-close"`
}

// orderedLevels 保留 privilege-levels 映射在文档中的键顺序
type orderedLevels struct {
	names  []string
	levels map[string]*PrivilegeLevel
	dups   []string
}

func (o *orderedLevels) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("privilege-levels must be a mapping, line %d", node.Line)
	}
	o.levels = make(map[string]*PrivilegeLevel, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		lvl := &PrivilegeLevel{}
		if err := node.Content[i+1].Decode(lvl); err != nil {
			return fmt.Errorf("privilege level %q: %w", key, err)
		}
		if lvl.Name == "" {
			lvl.Name = key
		}
		if _, exists := o.levels[key]; exists {
			o.dups = append(o.dups, key)
			continue
		}
		o.names = append(o.names, key)
		o.levels[key] = lvl
	}
	return nil
}

// Parse 解析平台定义文档并校验。variant 非空时把同名变体合并到 default 上。
// 同时接受带 default 包装的完整文档和只有单个平台内容的精简文档。
func Parse(b []byte, variant string) (*Definition, error) {
	doc := &rawDocument{}
	if err := yaml.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}

	base := doc.Default
	if base == nil {
		base = &rawPlatform{}
		if err := yaml.Unmarshal(b, base); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
		}
	}
	if base.PlatformType == "" {
		base.PlatformType = doc.PlatformType
	}

	if variant != "" {
		v, ok := doc.Variants[variant]
		if !ok || v == nil {
			return nil, &ValidationError{
				Platform: base.PlatformType,
				Problems: []string{fmt.Sprintf("no variant %q in platform", variant)},
			}
		}
		base = mergeVariant(base, v)
	}

	def, dupProblems := base.toDefinition()
	if err := def.validate(dupProblems); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile 从文件读取并解析平台定义
func LoadFile(path, variant string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platform definition %s: %w", path, err)
	}
	return Parse(b, variant)
}

func (r *rawPlatform) toDefinition() (*Definition, []string) {
	def := &Definition{
		PlatformType:                 r.PlatformType,
		DriverType:                   DriverType(r.DriverType),
		PrivilegeLevels:              make(map[string]*PrivilegeLevel, len(r.PrivilegeLevels.names)),
		LevelOrder:                   append([]string(nil), r.PrivilegeLevels.names...),
		DefaultDesiredPrivilegeLevel: r.DefaultDesiredPrivilegeLevel,
		FailedWhenContains:           append([]string(nil), r.FailedWhenContains...),
		TextFSMPlatform:              r.TextFSMPlatform,
		OnOpen:                       append([]Operation(nil), r.NetworkOnOpen...),
		OnClose:                      append([]Operation(nil), r.NetworkOnClose...),
	}
	if def.DriverType == "" {
		def.DriverType = DriverTypeNetwork
	}
	for name, lvl := range r.PrivilegeLevels.levels {
		def.PrivilegeLevels[name] = lvl.clone()
	}

	var problems []string
	for _, dup := range r.PrivilegeLevels.dups {
		problems = append(problems, fmt.Sprintf("privilege level %q defined more than once", dup))
	}
	return def, problems
}

// mergeVariant 变体中非空的字段覆盖默认值，特权级别按名称合并
func mergeVariant(base, v *rawPlatform) *rawPlatform {
	merged := *base

	if v.DriverType != "" {
		merged.DriverType = v.DriverType
	}
	if v.DefaultDesiredPrivilegeLevel != "" {
		merged.DefaultDesiredPrivilegeLevel = v.DefaultDesiredPrivilegeLevel
	}
	if v.FailedWhenContains != nil {
		merged.FailedWhenContains = v.FailedWhenContains
	}
	if v.TextFSMPlatform != "" {
		merged.TextFSMPlatform = v.TextFSMPlatform
	}
	if v.NetworkOnOpen != nil {
		merged.NetworkOnOpen = v.NetworkOnOpen
	}
	if v.NetworkOnClose != nil {
		merged.NetworkOnClose = v.NetworkOnClose
	}

	if len(v.PrivilegeLevels.names) > 0 {
		levels := orderedLevels{
			names:  append([]string(nil), base.PrivilegeLevels.names...),
			levels: make(map[string]*PrivilegeLevel, len(base.PrivilegeLevels.levels)),
			dups:   append(append([]string(nil), base.PrivilegeLevels.dups...), v.PrivilegeLevels.dups...),
		}
		for name, lvl := range base.PrivilegeLevels.levels {
			levels.levels[name] = lvl
		}
		for _, name := range v.PrivilegeLevels.names {
			if _, exists := levels.levels[name]; !exists {
				levels.names = append(levels.names, name)
			}
			levels.levels[name] = v.PrivilegeLevels.levels[name]
		}
		merged.PrivilegeLevels = levels
	}

	return &merged
}
